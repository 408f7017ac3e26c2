// SPDX-License-Identifier: MIT

package httpapi

import (
	"io"
	"strings"
)

func copyBody(w io.Writer, r io.Reader) (int64, error) {
	return io.Copy(w, r)
}

func joinStrings(parts []string) string {
	return strings.Join(parts, ",")
}
