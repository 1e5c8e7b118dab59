package generator

// Fixed, conservative templates used when the generation service fails. Each
// is a parseable Go fragment; the transformation layer merges it into the
// target file.

const asyncTemplate = `// waitWithContext sleeps for d but returns early when ctx is cancelled.
// Replace direct time.Sleep call sites with this to make waits interruptible.
func waitWithContext(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}`

const scoredSelectionTemplate = `// scoredPick selects the candidate with the highest score instead of the
// first match. Ties keep the earliest candidate for stable ordering.
func scoredPick(candidates []string, score func(string) float64) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	best := candidates[0]
	bestScore := score(best)
	for _, c := range candidates[1:] {
		if s := score(c); s > bestScore {
			best, bestScore = c, s
		}
	}
	return best, true
}`

const memoryTemplate = `// growSlice preallocates capacity before an append-heavy loop so the
// backing array is not repeatedly reallocated.
func growSlice(s []string, additional int) []string {
	if cap(s)-len(s) >= additional {
		return s
	}
	grown := make([]string, len(s), len(s)+additional)
	copy(grown, s)
	return grown
}`

// templateFor returns the fixed fallback fragment for a modification type.
// The general type maps to an empty fragment, which downstream layers turn
// into a comment-only annotation rather than executable code.
func templateFor(t ModificationType) string {
	switch t {
	case ModAsyncImprovement:
		return asyncTemplate
	case ModOptimization:
		return scoredSelectionTemplate
	case ModMemoryOptimize:
		return memoryTemplate
	default:
		return ""
	}
}
