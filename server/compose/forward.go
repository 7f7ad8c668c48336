package compose

import (
	"bufio"
	"io"
	"strings"
)

// Forward copies a message from src to dst unchanged except for the
// Return-Path field, which is dropped together with its continuation lines.
// Only the header section is inspected; the body is streamed as is.
func Forward(dst io.Writer, src io.Reader) (int64, error) {
	br := bufio.NewReader(src)
	var written int64
	skipping := false

	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			blank := line == "\r\n" || line == "\n"
			continuation := !blank && (line[0] == ' ' || line[0] == '\t')

			switch {
			case continuation && skipping:
			case isReturnPath(line):
				skipping = true
			default:
				skipping = false
				n, werr := io.WriteString(dst, line)
				written += int64(n)
				if werr != nil {
					return written, werr
				}
			}

			if blank {
				n, cerr := io.Copy(dst, br)
				return written + n, cerr
			}
		}
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, err
		}
	}
}

func isReturnPath(line string) bool {
	const name = "return-path:"
	return len(line) >= len(name) && strings.EqualFold(line[:len(name)], name)
}
