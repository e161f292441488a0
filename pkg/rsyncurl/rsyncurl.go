// Package rsyncurl parses daemon transfer locations: the rsync://host/module
// URL scheme and the equivalent host::module double-colon syntax. Only daemon
// transports are representable; local paths and remote-shell (single-colon)
// syntax are rejected.
package rsyncurl

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	// urlScheme is the URL scheme prefix for daemon locations.
	urlScheme = "rsync://"
	// DefaultPort is the port used when a location doesn't specify one.
	DefaultPort = 873
)

// URL represents a parsed daemon transfer location.
type URL struct {
	// Host is the daemon host.
	Host string
	// Port is the daemon port.
	Port uint16
	// Module is the name of the module being addressed.
	Module string
	// Path is the path beneath the module root, without a leading slash. It
	// may be empty, in which case the module root is addressed.
	Path string
}

// EnsureValid ensures that the URL's invariants are respected.
func (u *URL) EnsureValid() error {
	if u == nil {
		return errors.New("nil URL")
	} else if u.Host == "" {
		return errors.New("empty host")
	} else if u.Port == 0 {
		return errors.New("zero port")
	} else if u.Module == "" {
		return errors.New("empty module")
	} else if strings.Contains(u.Module, "/") {
		return errors.New("module contains path separator")
	}
	return nil
}

// Format formats the URL in the rsync:// scheme. The port is omitted when
// it's the default.
func (u *URL) Format() string {
	result := fmt.Sprintf("%s%s", urlScheme, u.Host)
	if u.Port != DefaultPort {
		result = fmt.Sprintf("%s:%d", result, u.Port)
	}
	result = fmt.Sprintf("%s/%s", result, u.Module)
	if u.Path != "" {
		result = fmt.Sprintf("%s/%s", result, u.Path)
	}
	return result
}

// ModulePath returns the module-qualified path sent to the daemon when
// requesting a transfer, e.g. "module/sub/dir" or "module".
func (u *URL) ModulePath() string {
	if u.Path != "" {
		return fmt.Sprintf("%s/%s", u.Module, u.Path)
	}
	return u.Module
}

// Parse parses a raw daemon location in either the rsync://host[:port]/module
// scheme or the host::module double-colon syntax.
func Parse(raw string) (*URL, error) {
	// Don't allow empty raw URLs.
	if raw == "" {
		return nil, errors.New("empty URL")
	}

	// Dispatch based on form. Double-colon syntax is checked before the
	// single-colon check can misclassify it as remote-shell syntax.
	if strings.HasPrefix(raw, urlScheme) {
		return parseScheme(raw[len(urlScheme):])
	} else if strings.Contains(raw, "::") {
		return parseDoubleColon(raw)
	} else if isRemoteShell(raw) {
		return nil, errors.New("remote-shell syntax not supported")
	}
	return nil, errors.New("not a daemon URL")
}

// isRemoteShell determines whether or not a raw URL uses the single-colon
// remote-shell syntax: a colon with no forward slashes before it.
func isRemoteShell(raw string) bool {
	for _, r := range raw {
		if r == ':' {
			return true
		} else if r == '/' {
			break
		}
	}
	return false
}

// parseHost splits an optional port specification off a host, defaulting the
// port when absent.
func parseHost(raw string) (string, uint16, error) {
	if strings.Contains(raw, "@") {
		return "", 0, errors.New("authentication not supported")
	}
	host := raw
	port := uint16(DefaultPort)
	if index := strings.LastIndex(raw, ":"); index >= 0 {
		host = raw[:index]
		value, err := strconv.ParseUint(raw[index+1:], 10, 16)
		if err != nil {
			return "", 0, errors.Wrap(err, "invalid port")
		} else if value == 0 {
			return "", 0, errors.New("invalid port")
		}
		port = uint16(value)
	}
	if host == "" {
		return "", 0, errors.New("empty host")
	}
	return host, port, nil
}

// parseScheme parses the remainder of an rsync:// URL.
func parseScheme(raw string) (*URL, error) {
	// Split the host specification from the module path.
	var hostSpecification, modulePath string
	if index := strings.IndexByte(raw, '/'); index >= 0 {
		hostSpecification = raw[:index]
		modulePath = raw[index+1:]
	} else {
		hostSpecification = raw
	}

	// Parse the host and port.
	host, port, err := parseHost(hostSpecification)
	if err != nil {
		return nil, err
	}

	// Split the module from the path beneath it.
	module, path := splitModule(modulePath)
	if module == "" {
		return nil, errors.New("no module specified")
	}

	// Success.
	return &URL{Host: host, Port: port, Module: module, Path: path}, nil
}

// parseDoubleColon parses the host::module syntax.
func parseDoubleColon(raw string) (*URL, error) {
	index := strings.Index(raw, "::")
	hostSpecification := raw[:index]
	if hostSpecification == "" {
		return nil, errors.New("empty host")
	} else if strings.Contains(hostSpecification, "@") {
		return nil, errors.New("authentication not supported")
	} else if strings.ContainsAny(hostSpecification, ":/") {
		return nil, errors.New("malformed host")
	}
	module, path := splitModule(raw[index+2:])
	if module == "" {
		return nil, errors.New("no module specified")
	}
	return &URL{Host: hostSpecification, Port: DefaultPort, Module: module, Path: path}, nil
}

// splitModule splits a module-qualified path into the module name and the
// path beneath the module root, trimming any trailing slash from the path.
func splitModule(modulePath string) (string, string) {
	module := modulePath
	var path string
	if index := strings.IndexByte(modulePath, '/'); index >= 0 {
		module = modulePath[:index]
		path = strings.TrimSuffix(modulePath[index+1:], "/")
	}
	return module, path
}
