package deploy

import (
	"regexp"
	"strings"
)

// SourceExtension returns the file extension for a runtime label such as
// "Python 3.12" or "Node.js 20".
func SourceExtension(runtime string) string {
	r := strings.ToLower(runtime)
	switch {
	case strings.Contains(r, "python"):
		return ".py"
	case strings.Contains(r, "node"):
		return ".js"
	case strings.HasPrefix(r, "go"):
		return ".go"
	default:
		return ".txt"
	}
}

// NewArtifact packages source code under the function name plus the runtime's extension.
func NewArtifact(name, runtime, source string) Artifact {
	return Artifact{
		Filename: name + SourceExtension(runtime),
		Content:  []byte(source),
	}
}

var appNameInvalid = regexp.MustCompile(`[^a-z0-9-]+`)

// AppName derives a DNS-1123 label from a function name. The result is
// lower-case, at most 63 characters and never starts or ends with '-'.
func AppName(name string) string {
	s := appNameInvalid.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "-")
	s = strings.Trim(s, "-")
	if len(s) > 63 {
		s = strings.TrimRight(s[:63], "-")
	}
	return s
}
