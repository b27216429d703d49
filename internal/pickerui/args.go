// Package pickerui implements the reference terminal picker helper.
//
// The helper is started as
//
//	termpicker 0 <folder> <name>                   (save)
//	termpicker 2 <folder> <multiple> <directory>   (open)
//
// and writes one absolute path per line to descriptor 4.
package pickerui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// OutputFd is the descriptor the service reads results from.
const OutputFd = 4

// Mode is the request kind named by the first argument.
type Mode int

const (
	// ModeSave asks for one destination path.
	ModeSave Mode = 0
	// ModeOpen asks for one or more existing paths.
	ModeOpen Mode = 2
)

// Options is the parsed command line.
type Options struct {
	Mode      Mode
	Folder    string
	Name      string
	Multiple  bool
	Directory bool
}

// ParseArgs parses the arguments after the program name.
func ParseArgs(args []string) (Options, error) {
	if len(args) < 2 {
		return Options{}, fmt.Errorf("usage: termpicker <0|2> <folder> ...")
	}
	opts := Options{Folder: args[1]}
	switch args[0] {
	case "0":
		if len(args) != 3 {
			return Options{}, fmt.Errorf("save mode takes <folder> <name>")
		}
		opts.Mode = ModeSave
		opts.Name = args[2]
	case "2":
		if len(args) != 4 {
			return Options{}, fmt.Errorf("open mode takes <folder> <multiple> <directory>")
		}
		opts.Mode = ModeOpen
		opts.Multiple = args[2] == "1"
		opts.Directory = args[3] == "1"
	default:
		return Options{}, fmt.Errorf("unknown mode %q", args[0])
	}
	if opts.Folder == "" {
		opts.Folder = "/tmp"
	}
	return opts, nil
}

// Output returns descriptor 4 when the service opened it, stdout otherwise.
func Output() io.WriteCloser {
	if _, err := unix.FcntlInt(OutputFd, unix.F_GETFD, 0); err == nil {
		return os.NewFile(OutputFd, "picker-output")
	}
	return nopCloser{os.Stdout}
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// WriteResult writes paths as newline terminated records. Paths containing a
// newline cannot be represented and are rejected.
func WriteResult(w io.Writer, paths []string) error {
	var b strings.Builder
	for _, p := range paths {
		if strings.ContainsRune(p, '\n') {
			return fmt.Errorf("path %q contains a newline", p)
		}
		b.WriteString(p)
		b.WriteByte('\n')
	}
	_, err := io.WriteString(w, b.String())
	return err
}
