// Command fsshell is an interactive REPL against a mounted wicosfs volume,
// plus a concurrency-stress subcommand that fans out concurrent writers
// to exercise the buffer cache's sector-granularity serialization.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/wicos64/wicosfs/internal/filesys"
	"github.com/wicos64/wicosfs/internal/volumelog"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "fsshell",
		Short: "Interactive REPL and concurrency exerciser for a mounted wicosfs volume",
	}
	root.AddCommand(replCmd(), stressCmd())
	return root
}

func replCmd() *cobra.Command {
	var sectors uint32
	cmd := &cobra.Command{
		Use:   "repl <image-path>",
		Short: "Open an interactive shell against a mounted volume",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := filesys.Mount(args[0], sectors, volumelog.Discard())
			if err != nil {
				return fmt.Errorf("repl: mount: %w", err)
			}
			defer v.Done()
			return runREPL(v, os.Stdin, os.Stdout)
		},
	}
	cmd.Flags().Uint32Var(&sectors, "sectors", 4096, "total sector count of the volume")
	return cmd
}

// session tracks the shell's own notion of current working directory,
// since internal/filesys itself is stateless per call: every operation
// takes an explicit cwd sector rather than holding one internally.
type session struct {
	v   *filesys.Volume
	cwd uint32
}

func runREPL(v *filesys.Volume, in *os.File, out *os.File) error {
	root, err := v.OpenRoot()
	if err != nil {
		return err
	}
	defer v.CloseCwd(root)

	s := &session{v: v, cwd: root.Sector()}
	scanner := bufio.NewScanner(in)
	fmt.Fprint(out, "wicosfs> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			s.dispatch(out, line)
		}
		fmt.Fprint(out, "wicosfs> ")
	}
	fmt.Fprintln(out)
	return scanner.Err()
}

func (s *session) dispatch(out *os.File, line string) {
	fields := strings.Fields(line)
	cmd, rest := fields[0], fields[1:]

	switch cmd {
	case "ls":
		s.cmdLs(out)
	case "cd":
		s.cmdCd(out, rest)
	case "mkdir":
		s.cmdMkdir(out, rest)
	case "touch":
		s.cmdTouch(out, rest)
	case "rm":
		s.cmdRm(out, rest)
	case "cat":
		s.cmdCat(out, rest)
	case "write":
		s.cmdWrite(out, rest)
	case "stat":
		s.cmdStat(out, rest)
	case "exit", "quit":
		os.Exit(0)
	default:
		fmt.Fprintf(out, "unknown command: %s\n", cmd)
	}
}

func (s *session) cmdLs(out *os.File) {
	dh, err := s.v.Open(".", s.cwd)
	if err != nil {
		fmt.Fprintln(out, "error:", err)
		return
	}
	defer dh.Close()
	for {
		name, ok, err := dh.Readdir()
		if err != nil {
			fmt.Fprintln(out, "error:", err)
			return
		}
		if !ok {
			break
		}
		fmt.Fprintln(out, name)
	}
}

func (s *session) cmdCd(out *os.File, args []string) {
	if len(args) != 1 {
		fmt.Fprintln(out, "usage: cd <path>")
		return
	}
	sector, err := s.v.Chdir(args[0], s.cwd)
	if err != nil {
		fmt.Fprintln(out, "error:", err)
		return
	}
	s.cwd = sector
}

func (s *session) cmdMkdir(out *os.File, args []string) {
	if len(args) != 1 {
		fmt.Fprintln(out, "usage: mkdir <name>")
		return
	}
	h, err := s.v.Mkdir(args[0], s.cwd)
	if err != nil {
		fmt.Fprintln(out, "error:", err)
		return
	}
	h.Close()
}

func (s *session) cmdTouch(out *os.File, args []string) {
	if len(args) != 1 {
		fmt.Fprintln(out, "usage: touch <name>")
		return
	}
	h, err := s.v.Create(args[0], s.cwd)
	if err != nil {
		fmt.Fprintln(out, "error:", err)
		return
	}
	h.Close()
}

func (s *session) cmdRm(out *os.File, args []string) {
	if len(args) != 1 {
		fmt.Fprintln(out, "usage: rm <name>")
		return
	}
	if err := s.v.Remove(args[0], s.cwd); err != nil {
		fmt.Fprintln(out, "error:", err)
	}
}

func (s *session) cmdCat(out *os.File, args []string) {
	if len(args) != 1 {
		fmt.Fprintln(out, "usage: cat <name>")
		return
	}
	h, err := s.v.Open(args[0], s.cwd)
	if err != nil {
		fmt.Fprintln(out, "error:", err)
		return
	}
	defer h.Close()
	buf := make([]byte, 512)
	for {
		n, err := h.Read(buf)
		if n > 0 {
			out.Write(buf[:n])
		}
		if err != nil || n == 0 {
			break
		}
	}
	fmt.Fprintln(out)
}

func (s *session) cmdWrite(out *os.File, args []string) {
	if len(args) < 2 {
		fmt.Fprintln(out, "usage: write <name> <text...>")
		return
	}
	h, err := s.v.Open(args[0], s.cwd)
	if err != nil {
		fmt.Fprintln(out, "error:", err)
		return
	}
	defer h.Close()
	text := strings.Join(args[1:], " ") + "\n"
	if _, err := h.Write([]byte(text)); err != nil {
		fmt.Fprintln(out, "error:", err)
	}
}

func (s *session) cmdStat(out *os.File, args []string) {
	if len(args) != 1 {
		fmt.Fprintln(out, "usage: stat <name>")
		return
	}
	h, err := s.v.Open(args[0], s.cwd)
	if err != nil {
		fmt.Fprintln(out, "error:", err)
		return
	}
	defer h.Close()
	st, err := h.Stat()
	if err != nil {
		fmt.Fprintln(out, "error:", err)
		return
	}
	fmt.Fprintf(out, "length=%d is_dir=%v direct_used=%d indirect_used=%v doubly_indirect_used=%v\n",
		st.Length, st.IsDir, st.DirectUsed, st.IndirectUsed, st.DoublyIndirectUsed)
}

// stressCmd fans out N concurrent writers against one shared file to
// exercise the buffer cache's per-sector serialization regardless of how
// many callers race on it.
func stressCmd() *cobra.Command {
	var sectors uint32
	var workers int
	var iterations int
	cmd := &cobra.Command{
		Use:   "stress <image-path>",
		Short: "Fan out concurrent writers against one file and report the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := filesys.Mount(args[0], sectors, volumelog.Discard())
			if err != nil {
				return fmt.Errorf("stress: mount: %w", err)
			}
			defer v.Done()

			root, err := v.OpenRoot()
			if err != nil {
				return err
			}
			cwd := root.Sector()
			v.CloseCwd(root)

			h, err := v.Create("stress.dat", cwd)
			if err != nil {
				return fmt.Errorf("stress: create: %w", err)
			}
			h.Close()

			var g errgroup.Group
			for i := 0; i < workers; i++ {
				worker := i
				g.Go(func() error {
					wh, err := v.Open("stress.dat", cwd)
					if err != nil {
						return fmt.Errorf("worker %d: open: %w", worker, err)
					}
					defer wh.Close()
					payload := []byte(strconv.Itoa(worker) + "\n")
					for j := 0; j < iterations; j++ {
						if _, err := wh.Write(payload); err != nil {
							return fmt.Errorf("worker %d: write %d: %w", worker, j, err)
						}
					}
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}

			rh, err := v.Open("stress.dat", cwd)
			if err != nil {
				return err
			}
			defer rh.Close()
			length, err := rh.Length()
			if err != nil {
				return err
			}
			fmt.Printf("stress complete: %d workers x %d iterations, final length %d bytes, cache hit rate %.2f\n",
				workers, iterations, length, v.BufferCache().HitRate())
			return nil
		},
	}
	cmd.Flags().Uint32Var(&sectors, "sectors", 4096, "total sector count of the volume")
	cmd.Flags().IntVar(&workers, "workers", 8, "number of concurrent writers")
	cmd.Flags().IntVar(&iterations, "iterations", 64, "writes per worker")
	return cmd
}
