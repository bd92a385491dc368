package executor

import (
	"path/filepath"
	"strings"
)

const (
	tracebackHeader = "Traceback (most recent call last):\n"
	placeholderFile = `File "<string>", `
	frameMarker     = `  File "`
)

// SanitizeTraceback removes interpreter-harness noise from a traceback.
//
// Only the last traceback block is touched: frames at the top of it whose file
// base name is one of harnessFiles are cut out, together with the source and
// caret lines printed under them. Earlier blocks of a chained exception and the
// "During handling of the above exception..." separators are kept as they are.
// Finally every `File "<string>", ` placeholder is dropped, since code run
// without a file path has nothing meaningful to show there.
func SanitizeTraceback(text string, harnessFiles ...string) string {
	if start := strings.LastIndex(text, tracebackHeader); start >= 0 && len(harnessFiles) > 0 {
		bodyStart := start + len(tracebackHeader)
		text = text[:bodyStart] + stripHarnessFrames(text[bodyStart:], harnessFiles)
	}
	return strings.ReplaceAll(text, placeholderFile, "")
}

func stripHarnessFrames(body string, harnessFiles []string) string {
	lines := strings.SplitAfter(body, "\n")
	i := 0
	for i < len(lines) && isHarnessFrame(lines[i], harnessFiles) {
		i++
		// indented continuation: source line, then optional caret markers
		for i < len(lines) && strings.HasPrefix(lines[i], "    ") {
			i++
		}
	}
	return strings.Join(lines[i:], "")
}

func isHarnessFrame(line string, harnessFiles []string) bool {
	if !strings.HasPrefix(line, frameMarker) {
		return false
	}
	rest := line[len(frameMarker):]
	end := strings.IndexByte(rest, '"')
	if end < 0 {
		return false
	}
	file := filepath.Base(rest[:end])
	for _, h := range harnessFiles {
		if h != "" && file == filepath.Base(h) {
			return true
		}
	}
	return false
}
