package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/traylinx/vdmtel/internal/config"
	"github.com/traylinx/vdmtel/internal/rolling"
)

// streamFlags are shared by replay and export.
type streamFlags struct {
	configPath string
	stream     string
	archiveDir string
}

func (s *streamFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&s.configPath, "config", DefaultConfigPath, "Configure File Path")
	fs.StringVar(&s.stream, "stream", "", "Active stream file (default: the events stream of run-dir)")
	fs.StringVar(&s.archiveDir, "archive-dir", "", "Archive root (default: from config)")
}

// resolve fills unset paths from the config.
func (s *streamFlags) resolve() (string, string, error) {
	cfg, err := config.LoadConfigOptional(s.configPath, s.configPath == "")
	if err != nil {
		return "", "", err
	}
	stream := s.stream
	if stream == "" {
		stream = cfg.EventsPath()
	}
	archive := s.archiveDir
	if archive == "" {
		if s.stream != "" && cfg.Logs.ArchiveDir == "" {
			archive = filepath.Join(filepath.Dir(stream), "archived")
		} else {
			archive = cfg.ArchiveDir()
		}
	}
	return stream, archive, nil
}

// runReplay prints every line of the stream, archived segments first.
func runReplay(args []string, out io.Writer) error {
	var sf streamFlags
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	sf.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	stream, archive, err := sf.resolve()
	if err != nil {
		return err
	}

	bw := bufio.NewWriter(out)
	err = rolling.ReplayStream(stream, archive, func(line []byte) error {
		if _, err := bw.Write(line); err != nil {
			return err
		}
		return bw.WriteByte('\n')
	})
	if errFlush := bw.Flush(); err == nil {
		err = errFlush
	}
	return err
}

// runExport writes the replayed stream as a gzip file.
func runExport(args []string, stdout io.Writer) error {
	var sf streamFlags
	var output string
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	sf.register(fs)
	fs.StringVar(&output, "o", "", "Output file (.jsonl.gz)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if output == "" {
		return fmt.Errorf("export: -o is required")
	}
	stream, archive, err := sf.resolve()
	if err != nil {
		return err
	}

	f, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	n, err := rolling.Export(stream, archive, f)
	if errClose := f.Close(); err == nil {
		err = errClose
	}
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	_, _ = fmt.Fprintf(stdout, "exported %d line(s) from %s to %s\n", n, stream, output)
	return nil
}
