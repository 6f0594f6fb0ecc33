package main

import (
	"fmt"

	"github.com/wicos64/wicosfs/internal/filesys"
)

// checkReport is the pass/fail summary produced by runCheck: a read-only
// walk of the directory tree that asserts basic structural invariants
// hold (no cycles, every listed entry opens), reworked as a
// one-shot CLI report rather than an interactive admin endpoint.
type checkReport struct {
	Directories int
	Files       int
	BytesTotal  int64
	Problems    []string
}

// runCheck walks the volume's directory tree starting at root, detecting
// cycles (a directory that is its own ancestor other than root, which would
// indicate a corrupted ".." pointer) and accumulating basic usage stats.
// It does not attempt any repair; there is no journal to replay from.
func runCheck(v *filesys.Volume) (checkReport, error) {
	var report checkReport
	visited := make(map[uint32]bool)

	var walk func(path string, cwd uint32) error
	walk = func(path string, cwd uint32) error {
		h, err := v.Open(path, cwd)
		if err != nil {
			report.Problems = append(report.Problems, fmt.Sprintf("open %q: %v", path, err))
			return nil
		}
		defer h.Close()

		sector := h.GetInode().Sector()
		isDir := h.IsDir()

		if isDir {
			if visited[sector] {
				report.Problems = append(report.Problems, fmt.Sprintf("cycle detected: directory at sector %d revisited via %q", sector, path))
				return nil
			}
			visited[sector] = true
			report.Directories++

			for {
				name, ok, err := h.Readdir()
				if err != nil {
					report.Problems = append(report.Problems, fmt.Sprintf("readdir %q: %v", path, err))
					return nil
				}
				if !ok {
					break
				}
				if err := walk(name, sector); err != nil {
					return err
				}
			}
			return nil
		}

		report.Files++
		length, err := h.Length()
		if err != nil {
			report.Problems = append(report.Problems, fmt.Sprintf("length %q: %v", path, err))
			return nil
		}
		report.BytesTotal += length
		return nil
	}

	if err := walk("/", 0); err != nil {
		return report, err
	}

	used, err := v.FreeSectorsUsed()
	if err != nil {
		return report, fmt.Errorf("check: free map used count: %w", err)
	}
	if used < len(visited) {
		report.Problems = append(report.Problems, fmt.Sprintf("free map reports %d used sectors but %d distinct inode sectors were reached", used, len(visited)))
	}

	return report, nil
}

func printReport(r checkReport) {
	fmt.Printf("directories: %d\n", r.Directories)
	fmt.Printf("files:       %d\n", r.Files)
	fmt.Printf("bytes:       %d\n", r.BytesTotal)
	if len(r.Problems) == 0 {
		fmt.Println("OK: no problems found")
		return
	}
	fmt.Printf("FAIL: %d problem(s) found\n", len(r.Problems))
	for _, p := range r.Problems {
		fmt.Printf("  - %s\n", p)
	}
}
