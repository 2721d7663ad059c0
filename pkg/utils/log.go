package utils

import (
	"bufio"
	"io"

	log "github.com/sirupsen/logrus"
)

// LogPipeEntry logs every line read from pipe at level until EOF, with the
// fields of entry attached to each line.
func LogPipeEntry(pipe io.ReadCloser, entry *log.Entry, level log.Level) {
	defer pipe.Close()
	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		entry.Log(level, scanner.Text())
	}
}
