package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/dripcheck/dripcheck/internal/auth"
)

// hashPassword reads one password line and writes its bcrypt hash, for use
// as ADMIN_PASSWORD_HASH.
func hashPassword(in io.Reader, out io.Writer) error {
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return fmt.Errorf("reading password: %w", err)
	}
	hash, err := auth.HashPassword(strings.TrimRight(line, "\r\n"))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, hash)
	return err
}
