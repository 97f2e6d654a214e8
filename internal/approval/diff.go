package approval

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// DiffPreview renders a line diff between a pending call's original and
// edited arguments, for display before the edit is confirmed. Lines are
// prefixed with "+", "-" or two spaces. An unedited call yields an empty
// string.
func (c *Controller) DiffPreview(toolCallID string) (string, error) {
	c.mu.Lock()
	call, err := c.findLocked(toolCallID)
	if err != nil {
		c.mu.Unlock()
		return "", err
	}
	original, edited := call.Original, call.Arguments
	changed := call.Edited
	c.mu.Unlock()

	if !changed {
		return "", nil
	}
	return lineDiff(prettyJSON(original), prettyJSON(edited)), nil
}

func lineDiff(before, after string) string {
	dmp := diffmatchpatch.New()
	beforeChars, afterChars, lineArray := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffMain(beforeChars, afterChars, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	var b strings.Builder
	for _, diff := range diffs {
		prefix := "  "
		switch diff.Type {
		case diffmatchpatch.DiffDelete:
			prefix = "- "
		case diffmatchpatch.DiffInsert:
			prefix = "+ "
		}
		for _, line := range strings.Split(strings.TrimSuffix(diff.Text, "\n"), "\n") {
			fmt.Fprintf(&b, "%s%s\n", prefix, line)
		}
	}
	return b.String()
}

func prettyJSON(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(raw)
	}
	return string(out)
}
