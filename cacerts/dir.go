package cacerts

import (
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/spf13/afero"
)

// LoadDir reads <kind>.pem and <kind>-<domain>.pem files from dir. A missing
// directory is not an error.
func (s *Store) LoadDir(fs afero.Fs, dir string) error {
	entries, err := afero.ReadDir(fs, dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read ca certificate dir: %w", err)
	}

	for _, fi := range entries {
		if fi.IsDir() || !strings.HasSuffix(fi.Name(), ".pem") {
			continue
		}
		base := strings.TrimSuffix(fi.Name(), ".pem")
		kindName, domain, _ := strings.Cut(base, "-")
		kind, err := ParseKind(kindName)
		if err != nil {
			return fmt.Errorf("%s: %w", fi.Name(), err)
		}

		data, err := afero.ReadFile(fs, path.Join(dir, fi.Name()))
		if err != nil {
			return fmt.Errorf("read %s: %w", fi.Name(), err)
		}
		if err := s.AddPEM(kind, domain, data); err != nil {
			return fmt.Errorf("%s: %w", fi.Name(), err)
		}
	}
	return nil
}
