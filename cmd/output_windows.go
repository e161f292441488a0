package cmd

const (
	// statusLineFormat is the format string used when printing the status
	// line. On Windows systems, messages are truncated and right-padded with
	// spaces to exactly 79 characters. The padding guarantees that all
	// content from the previous line is overwritten and that the cursor
	// doesn't jump around at the end of the printed content, while the
	// truncation keeps the content from overflowing the console at its
	// historical default width of 80 columns. Only 79 characters of content
	// can be used (rather than the full 80) because carriage return wipes
	// don't work on Windows once a character has been printed in the final
	// position of the line.
	statusLineFormat = "\r%-79.79s"
	// statusLineClearFormat is the format string used when printing an empty
	// string to clear the status line. It appends an additional carriage
	// return so that the cursor is left at the beginning of the line.
	statusLineClearFormat = statusLineFormat + "\r"
)
