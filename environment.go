package raven

import (
	"os"
	"runtime"
	"runtime/debug"
	"strconv"
	"time"
)

// StaticTags describes the process and does not change while it runs
func StaticTags() map[string]string {
	tags := map[string]string{
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"go version": runtime.Version(),
		"cpus":       strconv.Itoa(runtime.NumCPU()),
	}

	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Path != "" {
		tags["module"] = info.Main.Path
	}

	return tags
}

// DynamicTags samples the runtime state at capture time
func DynamicTags() map[string]string {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	_, offset := time.Now().Zone()

	return map[string]string{
		"goroutines":     strconv.Itoa(runtime.NumGoroutine()),
		"heap alloc":     strconv.FormatUint(mem.HeapAlloc/(1<<20), 10) + " MB",
		"utc offset":     strconv.Itoa(offset / 3600),
		"gomaxprocs":     strconv.Itoa(runtime.GOMAXPROCS(0)),
		"process uptime": time.Since(processStart).Truncate(time.Second).String(),
	}
}

var processStart = time.Now()

// DynamicTagsListener adds DynamicTags to every event
var DynamicTagsListener CaptureListener = CaptureListenerFunc(func(event *EventBuilder) (*EventBuilder, error) {
	return event.PutTags(DynamicTags()), nil
})

// defaultRelease returns the main module version, empty for development builds
func defaultRelease() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" || info.Main.Version == "(devel)" {
		return ""
	}
	return info.Main.Version
}

// defaultAppPackage returns the main module path, the prefix of the frames
// considered for the culprit
func defaultAppPackage() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	return info.Main.Path
}

func defaultServerName() string {
	name, err := os.Hostname()
	if err != nil {
		return ""
	}
	return name
}
