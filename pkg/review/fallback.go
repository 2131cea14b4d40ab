package review

import (
	"fmt"
	"log/slog"
	"strings"
)

// Complexity classification thresholds, by added-line count.
const (
	mediumComplexityFloor = 50
	highComplexityFloor   = 101
)

// fallbackReview produces a deterministic statistical review from the
// diff alone, for when the inference service is unavailable.
func fallbackReview(diff string) string {
	if diff == "" {
		return "## Automated Code Review (Fallback Mode)\n\nNo diff content available for analysis."
	}

	added, removed, files := diffStats(diff)
	complexity := classifyComplexity(added)

	slog.Info("using fallback review mode",
		"files", files, "added", added, "removed", removed, "complexity", complexity)

	return fmt.Sprintf(`## Automated Code Review (Fallback Mode)

**Note:** AI review service is temporarily unavailable. Basic analysis provided.

### Change Summary
- **Files Modified:** %d
- **Lines Added:** %d
- **Lines Removed:** %d
- **Change Complexity:** %s

### Recommended Manual Checks
1. **Code Review:** Carefully examine all added code for logic errors
2. **Testing:** Verify adequate test coverage for new functionality
3. **Security:** Check for potential security issues in new code
4. **Documentation:** Ensure comments and docs are updated
5. **Integration:** Test integration with existing systems

Please perform a thorough manual code review of these changes.`, files, added, removed, complexity)
}

// diffStats counts added lines, removed lines, and file markers. File
// headers (+++/---) are not counted as content changes.
func diffStats(diff string) (added, removed, files int) {
	for _, line := range strings.Split(diff, "\n") {
		switch {
		case strings.HasPrefix(line, "+++"):
			files++
		case strings.HasPrefix(line, "+"):
			added++
		case strings.HasPrefix(line, "---"):
			// file header, not a removal
		case strings.HasPrefix(line, "-"):
			removed++
		}
	}
	return added, removed, files
}

// classifyComplexity buckets a change by added-line count: under 50 is
// LOW, 50 through 100 is MEDIUM, above 100 is HIGH.
func classifyComplexity(added int) string {
	switch {
	case added >= highComplexityFloor:
		return "HIGH"
	case added >= mediumComplexityFloor:
		return "MEDIUM"
	default:
		return "LOW"
	}
}
