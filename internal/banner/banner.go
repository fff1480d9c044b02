package banner

import (
	"fmt"
	"io"
	"strings"
)

const logo = `
======================================================================
 _                        _         _          _     _
| |__   __ _ _ __ ___ ___(_)_ __   | |__  _ __(_) __| | __ _  ___
| '_ \ / _` + "`" + ` | '__/ _ / __| | '_ \  | '_ \| '__| |/ _` + "`" + ` |/ _` + "`" + ` |/ _ \
| |_) | (_| | | |  __\__ \ | |_) | | |_) | |  | | (_| | (_| |  __/
|_.__/ \__,_|_|  \___|___/_| .__/  |_.__/|_|  |_|\__,_|\__, |\___|
                           |_|                         |___/
----------------------------------------------------------------------`

const footer = `======================================================================`

// ConfigLine represents a single configuration line to display
type ConfigLine struct {
	Label string
	Value string
}

// Print displays the startup banner with the service name and configuration
func Print(w io.Writer, serviceName string, config []ConfigLine) {
	fmt.Fprintln(w, logo)
	fmt.Fprintln(w, serviceName)

	maxLen := 0
	for _, c := range config {
		if len(c.Label) > maxLen {
			maxLen = len(c.Label)
		}
	}

	for _, c := range config {
		fmt.Fprintf(w, "  %s%s : %s\n", c.Label, strings.Repeat(" ", maxLen-len(c.Label)), c.Value)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, footer)
	fmt.Fprintln(w)
}
