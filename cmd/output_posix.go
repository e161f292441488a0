//go:build !windows

package cmd

const (
	// statusLineFormat is the format string used when printing the status
	// line. On POSIX systems, messages are truncated and right-padded with
	// spaces to exactly 80 characters. The padding guarantees that all
	// content from the previous line is overwritten and that the cursor
	// doesn't jump around at the end of the printed content, while the
	// truncation keeps the content from overflowing the terminal. The last
	// property only holds for terminals at least 80 characters wide, with
	// wrapping occurring on anything narrower, but 80 characters is a
	// reasonable assumption given the width of a VT100.
	statusLineFormat = "\r%-80.80s"
	// statusLineClearFormat is the format string used when printing an empty
	// string to clear the status line. It appends an additional carriage
	// return so that the cursor is left at the beginning of the line.
	statusLineClearFormat = statusLineFormat + "\r"
)
