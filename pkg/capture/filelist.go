/**
 * Copyright (c) 2022, Xerra Earth Observation Institute
 * See LICENSE.TXT in the root directory of this source tree.
 */

package capture

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/google/gopacket/layers"
)

// ReadPathList parses a read-list-file: one capture-file path per line,
// blank lines and "#"-prefixed comments ignored (spec.md §4.6 "Offline
// list").
func ReadPathList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("resource: opening list file %s: %w", path, err)
	}
	defer f.Close()

	var paths []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		paths = append(paths, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("resource: reading list file %s: %w", path, err)
	}
	return paths, nil
}

// RunList processes each file in paths in order (spec.md §4.6 "Offline
// list", §8 seed scenario 6). If Writing is configured, every file after
// the first must report the same datalink type as the first; a mismatch
// fails before that file's packets are ever touched, per scenario 6's
// "exits with an error before opening file 2's output".
func (s *Session) RunList(paths []string) error {
	u, err := s.resolveDropUser()
	if err != nil {
		return err
	}

	var firstLinkType layers.LinkType
	for i, path := range paths {
		s.cfg.ReadFile = path
		lt, err := s.openSource()
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}

		if i == 0 {
			firstLinkType = lt
			if err := s.finishOpen(lt, u); err != nil {
				return err
			}
		} else if s.cfg.Writing && lt != firstLinkType {
			s.source.Close()
			return fmt.Errorf("configuration: %s has datalink type %v, expected %v from %s", path, lt, firstLinkType, paths[0])
		} else {
			s.disp.LinkType = int(lt)
		}

		if err := s.Run(); err != nil {
			return err
		}
		s.source.Close()
		s.source = nil
	}
	return nil
}
