package metadata

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// base64 payload lines in the pipe are at most 76 characters,
// i.e. 57 input bytes per line.
const pipeLineInputBytes = 57

// pipeSink writes metadata items to a named FIFO. Readers may come and go;
// the FIFO is opened lazily and an open with no reader is not an error.
type pipeSink struct {
	path string
	log  *logrus.Logger

	fd int
}

func (s *pipeSink) initialize() error {
	s.fd = -1

	oldmask := unix.Umask(0o000)
	err := unix.Mkfifo(s.path, 0o666)
	unix.Umask(oldmask)
	if err != nil && !errors.Is(err, unix.EEXIST) {
		return fmt.Errorf("could not create metadata pipe %q: %w", s.path, err)
	}

	s.open()
	return nil
}

func (s *pipeSink) open() {
	fd, err := unix.Open(s.path, unix.O_WRONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		// ENXIO means the FIFO currently has no reader, which is okay.
		if !errors.Is(err, unix.ENXIO) {
			s.log.Warnf("can not open metadata pipe %q: %v", s.path, err)
		}
		s.fd = -1
		return
	}
	s.fd = fd
}

func (s *pipeSink) close() {
	if s.fd >= 0 {
		unix.Close(s.fd)
		s.fd = -1
	}
}

func (s *pipeSink) send(pkg Package) {
	if s.fd < 0 {
		s.open()
	}
	if s.fd < 0 {
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "<item><type>%x</type><code>%x</code><length>%d</length>",
		pkg.Type, pkg.Code, len(pkg.Data))

	if len(pkg.Data) != 0 {
		sb.WriteString("\n<data encoding=\"base64\">\n")

		remaining := pkg.Data
		for len(remaining) != 0 {
			n := len(remaining)
			if n > pipeLineInputBytes {
				n = pipeLineInputBytes
			}
			sb.WriteString(base64.StdEncoding.EncodeToString(remaining[:n]))
			sb.WriteString("\n")
			remaining = remaining[n:]
		}

		sb.WriteString("</data>")
	}

	sb.WriteString("</item>\n")

	if _, err := unix.Write(s.fd, []byte(sb.String())); err != nil {
		// the reader went away; close and reopen on the next item.
		unix.Close(s.fd)
		s.fd = -1
	}
}
