// SPDX-License-Identifier: MPL-2.0

package config

import (
	"fmt"
	"strings"

	cueerrors "cuelang.org/go/cue/errors"
)

// maxFileSize bounds the config file read into memory.
const maxFileSize = 1 << 20

// formatCUEError flattens CUE errors into "<file>: <field.path>: <message>"
// lines.
func formatCUEError(err error, path string) error {
	if err == nil {
		return nil
	}

	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return fmt.Errorf("%s: %w", path, err)
	}

	lines := make([]string, 0, len(errs))
	for _, e := range errs {
		field := strings.Join(cueerrors.Path(e), ".")
		msg := e.Error()
		if field != "" {
			msg = strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(msg, field), ":"))
			lines = append(lines, field+": "+msg)
			continue
		}
		lines = append(lines, msg)
	}

	if len(lines) == 1 {
		return fmt.Errorf("%s: %s", path, lines[0])
	}
	return fmt.Errorf("%s: validation failed:\n  %s", path, strings.Join(lines, "\n  "))
}
