package secrets

import (
	"fmt"
	"sync"

	"github.com/zricethezav/gitleaks/v8/detect"
)

var (
	deepDetector     *detect.Detector
	deepDetectorErr  error
	deepDetectorOnce sync.Once
)

// ConfirmSafe runs the gitleaks detector over the value and reports whether
// it is positively free of credential material. The answer is fail-closed:
// a detector construction or scan problem yields (false, err), never a
// silent pass. Callers persisting values from untrusted sources must gate
// on this in addition to the regex scrubber.
func ConfirmSafe(value string) (bool, error) {
	deepDetectorOnce.Do(func() {
		deepDetector, deepDetectorErr = detect.NewDetectorDefaultConfig()
	})
	if deepDetectorErr != nil {
		return false, fmt.Errorf("failed to build deep scan detector: %w", deepDetectorErr)
	}

	findings := deepDetector.DetectString(value)
	if len(findings) > 0 {
		return false, nil
	}
	return true, nil
}
