package diagnostics

import "github.com/dd0wney/cluso-pixmem/pkg/logging"

// Violation reports a broken usage contract such as returning a buffer
// twice. Builds with the pixmemstrict tag panic with err; other builds log
// it and return it so the caller can fail the operation.
func Violation(err error, fields ...logging.Field) error {
	if Strict {
		panic(err)
	}
	currentLogger().Warn(err.Error(), fields...)
	return err
}
