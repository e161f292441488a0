package transfer

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/mirrorkit/mirrorkit/pkg/rsyncurl"
	"github.com/mirrorkit/mirrorkit/pkg/wire"
)

const (
	// ProtocolVersion is the daemon wire protocol version spoken. Newer
	// servers fall back to this version when they see it announced, while
	// older servers are rejected.
	ProtocolVersion = 27

	// greetingPrefix is the prefix on daemon handshake lines.
	greetingPrefix = "@RSYNCD: "
	// acknowledgmentLine acknowledges a module request.
	acknowledgmentLine = "@RSYNCD: OK"
	// authenticationPrefix starts an authentication challenge.
	authenticationPrefix = "@RSYNCD: AUTHREQD"
	// serverErrorPrefix starts an in-band error report.
	serverErrorPrefix = "@ERROR"

	// maximumLineLength is the maximum handshake line length accepted.
	maximumLineLength = 1024
	// maximumArgumentCount is the maximum number of server arguments accepted
	// from a client.
	maximumArgumentCount = 1000
	// maximumFilterRuleLength is the maximum length accepted for a single
	// exclusion rule.
	maximumFilterRuleLength = 4096
)

// readLine reads a newline-terminated handshake line, enforcing a bound on
// line length. The terminating newline and any preceding carriage return are
// stripped.
func readLine(reader *bufio.Reader) (string, error) {
	var line []byte
	for {
		value, err := reader.ReadByte()
		if err != nil {
			return "", err
		} else if value == '\n' {
			break
		} else if len(line) >= maximumLineLength {
			return "", errors.New("line too long")
		}
		line = append(line, value)
	}
	return strings.TrimSuffix(string(line), "\r"), nil
}

// parseGreeting extracts the protocol version from a daemon greeting line.
// Greetings carry the version either bare ("27") or with a subprotocol
// suffix ("31.0"), possibly followed by further negotiation fields that
// don't exist at this protocol version and are ignored.
func parseGreeting(line string) (int, error) {
	if !strings.HasPrefix(line, greetingPrefix) {
		return 0, errors.Errorf("malformed greeting (%q)", line)
	}
	version := strings.TrimPrefix(line, greetingPrefix)
	if space := strings.IndexByte(version, ' '); space >= 0 {
		version = version[:space]
	}
	if dot := strings.IndexByte(version, '.'); dot >= 0 {
		version = version[:dot]
	}
	value, err := strconv.Atoi(version)
	if err != nil {
		return 0, errors.Errorf("malformed protocol version (%q)", version)
	}
	return value, nil
}

// serverArguments computes the argument list transmitted to the server after
// module acknowledgment. The trailing slash on the request path asks the
// server to list the path's contents rather than the path itself.
func serverArguments(url *rsyncurl.URL, options *Options) []string {
	flags := "-ltpr"
	if options.PreserveOwners {
		flags += "o"
	}
	if options.PreserveGroups {
		flags += "g"
	}
	return []string{"--server", "--sender", flags, ".", url.ModulePath() + "/"}
}

// Handshake performs the requesting side of the daemon handshake: protocol
// version exchange, module request, server argument transmission, and
// checksum seed receipt. Message-of-the-day lines received during the
// exchange are delivered to the options' MOTD callback. After a successful
// handshake, traffic from the server is multiplexed while traffic to the
// server remains raw.
func Handshake(reader *bufio.Reader, writer *bufio.Writer, url *rsyncurl.URL, options *Options) (int32, error) {
	// Announce our protocol version and await the server's.
	if _, err := fmt.Fprintf(writer, "%s%d.0\n", greetingPrefix, ProtocolVersion); err != nil {
		return 0, errors.Wrap(err, "unable to send greeting")
	} else if err = writer.Flush(); err != nil {
		return 0, errors.Wrap(err, "unable to send greeting")
	}
	line, err := readLine(reader)
	if err != nil {
		return 0, errors.Wrap(err, "unable to read greeting")
	}
	version, err := parseGreeting(line)
	if err != nil {
		return 0, err
	} else if version < ProtocolVersion {
		return 0, errors.Errorf("server protocol version (%d) too old", version)
	}

	// Request the module. The server sends any message-of-the-day content
	// before acknowledging the request.
	if _, err := fmt.Fprintf(writer, "%s\n", url.Module); err != nil {
		return 0, errors.Wrap(err, "unable to send module request")
	} else if err = writer.Flush(); err != nil {
		return 0, errors.Wrap(err, "unable to send module request")
	}
	for {
		line, err := readLine(reader)
		if err != nil {
			return 0, errors.Wrap(err, "unable to read module acknowledgment")
		}
		if strings.HasPrefix(line, serverErrorPrefix) {
			message := strings.TrimPrefix(line, serverErrorPrefix)
			message = strings.TrimSpace(strings.TrimPrefix(message, ":"))
			return 0, errors.Errorf("server error: %s", message)
		} else if strings.HasPrefix(line, authenticationPrefix) {
			return 0, ErrAuthenticationRequired
		} else if line == acknowledgmentLine {
			break
		} else if options.MOTD != nil {
			options.MOTD(line)
		}
	}

	// Transmit the server arguments, terminated by an empty line.
	for _, argument := range serverArguments(url, options) {
		if _, err := fmt.Fprintf(writer, "%s\n", argument); err != nil {
			return 0, errors.Wrap(err, "unable to send server arguments")
		}
	}
	if _, err := writer.WriteString("\n"); err != nil {
		return 0, errors.Wrap(err, "unable to send server arguments")
	} else if err = writer.Flush(); err != nil {
		return 0, errors.Wrap(err, "unable to send server arguments")
	}

	// Receive the checksum seed.
	seed, err := wire.ReadInt32(reader)
	if err != nil {
		return 0, errors.Wrap(err, "unable to read checksum seed")
	}

	// Send an empty exclusion list.
	if err := wire.WriteInt32(writer, 0); err != nil {
		return 0, errors.Wrap(err, "unable to send exclusion list")
	} else if err = writer.Flush(); err != nil {
		return 0, errors.Wrap(err, "unable to send exclusion list")
	}

	// Success.
	return seed, nil
}

// ServeRequest describes a validated client request accepted by
// AcceptHandshake.
type ServeRequest struct {
	// Module is the requested module name.
	Module string
	// Root is the module's root path on the local filesystem.
	Root string
	// Path is the requested path beneath the module root, localized and
	// validated. It is empty when the module root itself is requested.
	Path string
	// PreserveLinks indicates that the client requested symbolic links.
	PreserveLinks bool
	// PreserveOwners indicates that the client requested numeric owner
	// information.
	PreserveOwners bool
	// PreserveGroups indicates that the client requested numeric group
	// information.
	PreserveGroups bool
	// Seed is the checksum seed announced to the client.
	Seed int32
}

// resolveModulePath extracts the path beneath a module root from a client
// request path. Both "module" and "module/" refer to the root itself.
func resolveModulePath(module, path string) (string, error) {
	path = strings.TrimSuffix(path, "/")
	if path == module {
		return "", nil
	} else if !strings.HasPrefix(path, module+"/") {
		return "", errors.Errorf("request path outside module (%q)", path)
	}
	sub := strings.TrimPrefix(path, module+"/")
	if sub == "" {
		return "", nil
	}
	return localizePath([]byte(sub))
}

// AcceptHandshake performs the serving side of the daemon handshake,
// validating the client's request against the specified module table and
// announcing the specified checksum seed. Requests that can't be served are
// reported to the client as in-band error lines before being returned as
// errors. The client's version announcement is read before our greeting is
// sent, which stock peers (writing theirs eagerly) tolerate and which keeps
// the exchange usable over synchronous in-memory connections.
func AcceptHandshake(reader *bufio.Reader, writer io.Writer, modules map[string]string, seed int32) (*ServeRequest, error) {
	// Read the client's version announcement and send our own.
	line, err := readLine(reader)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read greeting")
	}
	version, err := parseGreeting(line)
	if err != nil {
		return nil, err
	}
	if _, err := fmt.Fprintf(writer, "%s%d.0\n", greetingPrefix, ProtocolVersion); err != nil {
		return nil, errors.Wrap(err, "unable to send greeting")
	}
	if version < ProtocolVersion {
		fmt.Fprintf(writer, "%s: protocol version %d is too old\n", serverErrorPrefix, version)
		return nil, errors.Errorf("client protocol version (%d) too old", version)
	}

	// Read and validate the module request.
	module, err := readLine(reader)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read module request")
	}
	root, ok := modules[module]
	if !ok {
		fmt.Fprintf(writer, "%s: Unknown module '%s'\n", serverErrorPrefix, module)
		return nil, errors.Errorf("unknown module %q", module)
	}
	if _, err := fmt.Fprintf(writer, "%s\n", acknowledgmentLine); err != nil {
		return nil, errors.Wrap(err, "unable to send module acknowledgment")
	}

	// Read the server arguments.
	var arguments []string
	for {
		argument, err := readLine(reader)
		if err != nil {
			return nil, errors.Wrap(err, "unable to read server arguments")
		} else if argument == "" {
			break
		} else if len(arguments) >= maximumArgumentCount {
			return nil, errors.New("too many server arguments")
		}
		arguments = append(arguments, argument)
	}

	// Parse the arguments. Short flags other than those affecting the wire
	// format are ignored, as are unknown long options. Arguments after the
	// "." marker are request paths.
	request := &ServeRequest{Module: module, Root: root, Seed: seed}
	var server, sender, seenMarker bool
	var paths []string
	for _, argument := range arguments {
		if seenMarker {
			paths = append(paths, argument)
			continue
		}
		switch {
		case argument == "--server":
			server = true
		case argument == "--sender":
			sender = true
		case argument == ".":
			seenMarker = true
		case strings.HasPrefix(argument, "--"):
		case strings.HasPrefix(argument, "-"):
			for _, flag := range argument[1:] {
				switch flag {
				case 'l':
					request.PreserveLinks = true
				case 'o':
					request.PreserveOwners = true
				case 'g':
					request.PreserveGroups = true
				}
			}
		}
	}
	if !server || !sender {
		fmt.Fprintf(writer, "%s: only the sending role is supported\n", serverErrorPrefix)
		return nil, errors.New("client requested an unsupported role")
	}
	if len(paths) != 1 {
		fmt.Fprintf(writer, "%s: exactly one request path is required\n", serverErrorPrefix)
		return nil, errors.Errorf("unsupported request path count (%d)", len(paths))
	}
	path, err := resolveModulePath(module, paths[0])
	if err != nil {
		fmt.Fprintf(writer, "%s: invalid request path\n", serverErrorPrefix)
		return nil, errors.Wrap(err, "invalid request path")
	}
	request.Path = path

	// Announce the checksum seed.
	if err := wire.WriteInt32(writer, seed); err != nil {
		return nil, errors.Wrap(err, "unable to send checksum seed")
	}

	// Consume the client's exclusion list. Filter semantics aren't
	// implemented, so any transmitted rules are read and discarded.
	for {
		length, err := wire.ReadInt32(reader)
		if err != nil {
			return nil, errors.Wrap(err, "unable to read exclusion list")
		} else if length == 0 {
			break
		} else if length < 0 || length > maximumFilterRuleLength {
			return nil, errors.Errorf("invalid exclusion rule length (%d)", length)
		}
		if _, err := io.CopyN(io.Discard, reader, int64(length)); err != nil {
			return nil, errors.Wrap(err, "unable to read exclusion rule")
		}
	}

	// Success.
	return request, nil
}
