// Package rsync provides an implementation of the rsync delta transfer
// algorithm as described in Andrew Tridgell's thesis
// (https://www.samba.org/~tridge/phd_thesis.pdf) and the rsync technical
// report (https://rsync.samba.org/tech_report), using the checksum, block
// length, and signature conventions of rsync wire protocol 27. Algorithmic
// functionality is provided by the Engine type, and signatures can be
// exchanged in wire format using the ReadSignature and WriteSignature
// functions.
package rsync
