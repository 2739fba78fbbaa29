package scan

import "os"

// WithWriteFile replaces the function storing extracted entries.
func WithWriteFile(fn func(name string, data []byte, perm os.FileMode) error) Option {
	return func(s *Scanner) {
		s.writeFile = fn
	}
}
