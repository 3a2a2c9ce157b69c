// Package buildinfo carries version stamps set with -ldflags at build time.
package buildinfo

import "runtime/debug"

var (
	Version = "dev"
	Commit  = ""
	BuiltAt = ""
)

// Info returns the stamped values, falling back to the module build info
// for the commit when nothing was stamped.
func Info() map[string]string {
	commit := Commit
	goVersion := ""
	if bi, ok := debug.ReadBuildInfo(); ok {
		goVersion = bi.GoVersion
		if commit == "" {
			for _, s := range bi.Settings {
				if s.Key == "vcs.revision" {
					commit = s.Value
				}
			}
		}
	}
	return map[string]string{
		"version":   Version,
		"commit":    commit,
		"builtAt":   BuiltAt,
		"goVersion": goVersion,
	}
}
