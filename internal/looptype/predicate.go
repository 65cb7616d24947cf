package looptype

import (
	"fmt"
	"os"
)

// EvaluateCompletion checks whether def's completion predicate holds for
// a LoopExecution whose declared artifact lives at artifactPath. Only
// the two predicates spec.md's examples exercise are implemented:
// "artifact_exists" (the common case) and "always" (loop types with no
// declared output, e.g. a pure validation pass).
func EvaluateCompletion(def Definition, artifactPath string) (bool, error) {
	switch def.CompletionPredicate {
	case "", "always":
		return true, nil
	case "artifact_exists":
		if artifactPath == "" {
			return false, nil
		}
		_, err := os.Stat(artifactPath)
		if err == nil {
			return true, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	default:
		return false, fmt.Errorf("looptype: unknown completion predicate %q", def.CompletionPredicate)
	}
}
