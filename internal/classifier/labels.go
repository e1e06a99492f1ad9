package classifier

import (
	"bufio"
	"log/slog"
	"os"
	"strings"
	"unicode"

	apperrors "github.com/animalrunner/listener/internal/errors"
)

const DefaultBackgroundLabel = "Background Noise"

// DefaultLabels is used when no label file can be read.
var DefaultLabels = []string{DefaultBackgroundLabel, "Cat", "Chicken", "Cow", "Frog", "Mouse", "Seagull"}

// LoadLabels reads one label per line. Each line starts with a class index
// token which is discarded; the rest of the line, after whitespace, is the
// label.
func LoadLabels(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.CodeLoadFailed, "open labels %s", path)
	}
	defer f.Close()

	var labels []string
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		cut := strings.IndexFunc(text, unicode.IsSpace)
		if cut < 0 {
			return nil, apperrors.Newf(apperrors.CodeLoadFailed, "labels %s:%d has no label after index", path, line)
		}
		labels = append(labels, strings.TrimSpace(text[cut:]))
	}
	if err := sc.Err(); err != nil {
		return nil, apperrors.Wrapf(err, apperrors.CodeLoadFailed, "read labels %s", path)
	}
	if len(labels) == 0 {
		return nil, apperrors.Newf(apperrors.CodeLoadFailed, "labels %s is empty", path)
	}
	return labels, nil
}

// LabelsOrDefault loads path, falling back to DefaultLabels on any failure.
func LabelsOrDefault(path string) []string {
	labels, err := LoadLabels(path)
	if err != nil {
		slog.Warn("using default labels", "path", path, "error", err)
		return append([]string(nil), DefaultLabels...)
	}
	slog.Info("loaded labels", "path", path, "count", len(labels))
	return labels
}

// PositiveSet returns every label except background.
func PositiveSet(labels []string, background string) []string {
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		if l != background {
			out = append(out, l)
		}
	}
	return out
}
