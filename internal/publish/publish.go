// Package publish implements the atomic publisher (C8): renaming a staging
// directory into its final name, and resolving the race where a concurrent
// process publishes first by discarding the loser's staging directory.
package publish

import (
	"fmt"
	"os"
)

// Publish renames stagingDir to finalDir. If the rename fails because
// finalDir now exists, a concurrent writer published first: stagingDir is
// removed and the call returns success, since observers still see a
// complete finalDir. Any other rename failure is returned as-is.
func Publish(stagingDir, finalDir string) error {
	if err := os.Rename(stagingDir, finalDir); err != nil {
		if _, statErr := os.Stat(finalDir); statErr == nil {
			if removeErr := os.RemoveAll(stagingDir); removeErr != nil {
				return fmt.Errorf("publish: lost rename race but failed to clean up staging directory: %w", removeErr)
			}
			return nil
		}
		return fmt.Errorf("publish: rename %q to %q: %w", stagingDir, finalDir, err)
	}
	return nil
}
