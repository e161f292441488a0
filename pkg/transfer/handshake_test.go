package transfer

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"testing"

	"github.com/mirrorkit/mirrorkit/pkg/rsyncurl"
	"github.com/mirrorkit/mirrorkit/pkg/wire"
)

// TestHandshakeLoopback verifies that the requesting and serving handshake
// implementations complete against each other and agree on the negotiated
// request parameters.
func TestHandshakeLoopback(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	type acceptResult struct {
		request *ServeRequest
		err     error
	}
	results := make(chan acceptResult, 1)
	go func() {
		request, err := AcceptHandshake(
			bufio.NewReader(server),
			server,
			map[string]string{"data": "/srv/data"},
			0x1234,
		)
		results <- acceptResult{request, err}
	}()

	url := &rsyncurl.URL{Host: "example.org", Port: rsyncurl.DefaultPort, Module: "data", Path: "docs"}
	seed, err := Handshake(
		bufio.NewReader(client),
		bufio.NewWriter(client),
		url,
		&Options{PreserveOwners: true},
	)
	if err != nil {
		t.Fatal("handshake failed:", err)
	} else if seed != 0x1234 {
		t.Error("unexpected checksum seed:", seed)
	}

	result := <-results
	if result.err != nil {
		t.Fatal("accept failed:", result.err)
	}
	request := result.request
	if request.Module != "data" {
		t.Error("unexpected module:", request.Module)
	}
	if request.Root != "/srv/data" {
		t.Error("unexpected root:", request.Root)
	}
	if request.Path != "docs" {
		t.Error("unexpected path:", request.Path)
	}
	if !request.PreserveLinks {
		t.Error("symbolic link preservation not negotiated")
	}
	if !request.PreserveOwners {
		t.Error("owner preservation not negotiated")
	}
	if request.PreserveGroups {
		t.Error("group preservation negotiated unexpectedly")
	}
	if request.Seed != 0x1234 {
		t.Error("unexpected seed in request:", request.Seed)
	}
}

// TestHandshakeAgainstScriptedDaemon verifies the requesting side against a
// hand-scripted daemon, including message-of-the-day delivery and the exact
// argument sequence on the wire.
func TestHandshakeAgainstScriptedDaemon(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer server.Close()
		reader := bufio.NewReader(server)

		if line, err := readLine(reader); err != nil {
			t.Error("daemon: unable to read greeting:", err)
			return
		} else if line != "@RSYNCD: 27.0" {
			t.Error("daemon: unexpected greeting:", line)
			return
		}
		fmt.Fprintf(server, "@RSYNCD: 30.0\n")

		if line, err := readLine(reader); err != nil {
			t.Error("daemon: unable to read module request:", err)
			return
		} else if line != "mirror" {
			t.Error("daemon: unexpected module request:", line)
			return
		}
		fmt.Fprintf(server, "Welcome to the mirror.\n")
		fmt.Fprintf(server, "Unauthorized use prohibited.\n")
		fmt.Fprintf(server, "@RSYNCD: OK\n")

		var arguments []string
		for {
			line, err := readLine(reader)
			if err != nil {
				t.Error("daemon: unable to read arguments:", err)
				return
			} else if line == "" {
				break
			}
			arguments = append(arguments, line)
		}
		expected := []string{"--server", "--sender", "-ltpr", ".", "mirror/"}
		if len(arguments) != len(expected) {
			t.Error("daemon: unexpected argument count:", arguments)
			return
		}
		for i, argument := range arguments {
			if argument != expected[i] {
				t.Errorf("daemon: unexpected argument %d: %q", i, argument)
			}
		}

		if err := wire.WriteInt32(server, 42); err != nil {
			t.Error("daemon: unable to send seed:", err)
			return
		}
		if value, err := wire.ReadInt32(reader); err != nil {
			t.Error("daemon: unable to read exclusion list:", err)
		} else if value != 0 {
			t.Error("daemon: unexpected exclusion list terminator:", value)
		}
	}()

	var motd []string
	url := &rsyncurl.URL{Host: "example.org", Port: rsyncurl.DefaultPort, Module: "mirror"}
	seed, err := Handshake(
		bufio.NewReader(client),
		bufio.NewWriter(client),
		url,
		&Options{MOTD: func(line string) { motd = append(motd, line) }},
	)
	if err != nil {
		t.Fatal("handshake failed:", err)
	} else if seed != 42 {
		t.Error("unexpected checksum seed:", seed)
	}
	if len(motd) != 2 || motd[0] != "Welcome to the mirror." || motd[1] != "Unauthorized use prohibited." {
		t.Error("unexpected message of the day:", motd)
	}
	<-done
}

// scriptDaemonLines runs a minimal scripted daemon that replies to the
// version and module lines with the specified responses and then closes the
// connection.
func scriptDaemonLines(t *testing.T, server net.Conn, greeting string, responses ...string) chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer server.Close()
		reader := bufio.NewReader(server)
		if _, err := readLine(reader); err != nil {
			t.Error("daemon: unable to read greeting:", err)
			return
		}
		fmt.Fprintf(server, "%s\n", greeting)
		if len(responses) == 0 {
			return
		}
		if _, err := readLine(reader); err != nil {
			t.Error("daemon: unable to read module request:", err)
			return
		}
		for _, response := range responses {
			fmt.Fprintf(server, "%s\n", response)
		}
	}()
	return done
}

func TestHandshakeRejectsOldServer(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	done := scriptDaemonLines(t, server, "@RSYNCD: 26")
	url := &rsyncurl.URL{Host: "example.org", Port: rsyncurl.DefaultPort, Module: "data"}
	if _, err := Handshake(bufio.NewReader(client), bufio.NewWriter(client), url, &Options{}); err == nil {
		t.Error("handshake succeeded against protocol 26 server")
	} else if !strings.Contains(err.Error(), "too old") {
		t.Error("unexpected handshake error:", err)
	}
	<-done
}

func TestHandshakeServerError(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	done := scriptDaemonLines(t, server, "@RSYNCD: 27", "@ERROR: Unknown module 'data'")
	url := &rsyncurl.URL{Host: "example.org", Port: rsyncurl.DefaultPort, Module: "data"}
	if _, err := Handshake(bufio.NewReader(client), bufio.NewWriter(client), url, &Options{}); err == nil {
		t.Error("handshake succeeded despite server error")
	} else if !strings.Contains(err.Error(), "Unknown module") {
		t.Error("unexpected handshake error:", err)
	}
	<-done
}

func TestHandshakeAuthenticationRequired(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	done := scriptDaemonLines(t, server, "@RSYNCD: 27", "@RSYNCD: AUTHREQD 5f2b3c")
	url := &rsyncurl.URL{Host: "example.org", Port: rsyncurl.DefaultPort, Module: "data"}
	if _, err := Handshake(bufio.NewReader(client), bufio.NewWriter(client), url, &Options{}); err != ErrAuthenticationRequired {
		t.Error("unexpected handshake error:", err)
	}
	<-done
}

// TestAcceptHandshakeUnknownModule verifies that requests for unknown
// modules are refused with an in-band error line.
func TestAcceptHandshakeUnknownModule(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	results := make(chan error, 1)
	go func() {
		_, err := AcceptHandshake(bufio.NewReader(server), server, map[string]string{"data": "/srv/data"}, 1)
		server.Close()
		results <- err
	}()

	reader := bufio.NewReader(client)
	fmt.Fprintf(client, "@RSYNCD: 27.0\n")
	if _, err := readLine(reader); err != nil {
		t.Fatal("unable to read greeting:", err)
	}
	fmt.Fprintf(client, "nope\n")
	if line, err := readLine(reader); err != nil {
		t.Fatal("unable to read error line:", err)
	} else if !strings.HasPrefix(line, "@ERROR") || !strings.Contains(line, "nope") {
		t.Error("unexpected error line:", line)
	}
	if err := <-results; err == nil {
		t.Error("accept succeeded for unknown module")
	}
}

// TestAcceptHandshakeRejectsReceiverRole verifies that clients attempting to
// push content (no --sender argument) are refused.
func TestAcceptHandshakeRejectsReceiverRole(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	results := make(chan error, 1)
	go func() {
		_, err := AcceptHandshake(bufio.NewReader(server), server, map[string]string{"data": "/srv/data"}, 1)
		server.Close()
		results <- err
	}()

	reader := bufio.NewReader(client)
	fmt.Fprintf(client, "@RSYNCD: 27.0\n")
	if _, err := readLine(reader); err != nil {
		t.Fatal("unable to read greeting:", err)
	}
	fmt.Fprintf(client, "data\n")
	if line, err := readLine(reader); err != nil {
		t.Fatal("unable to read acknowledgment:", err)
	} else if line != acknowledgmentLine {
		t.Fatal("unexpected acknowledgment:", line)
	}
	for _, argument := range []string{"--server", "-ltpr", ".", "data/", ""} {
		fmt.Fprintf(client, "%s\n", argument)
	}
	if line, err := readLine(reader); err != nil {
		t.Fatal("unable to read error line:", err)
	} else if !strings.HasPrefix(line, "@ERROR") {
		t.Error("unexpected error line:", line)
	}
	if err := <-results; err == nil {
		t.Error("accept succeeded for receiver role")
	}
}

type parseGreetingTestCase struct {
	line     string
	expected int
	fail     bool
}

func (c parseGreetingTestCase) run(t *testing.T) {
	t.Helper()
	version, err := parseGreeting(c.line)
	if c.fail {
		if err == nil {
			t.Errorf("parsing %q succeeded unexpectedly", c.line)
		}
		return
	}
	if err != nil {
		t.Errorf("unable to parse %q: %v", c.line, err)
	} else if version != c.expected {
		t.Errorf("unexpected version for %q: %d != %d", c.line, version, c.expected)
	}
}

func TestParseGreeting(t *testing.T) {
	cases := []parseGreetingTestCase{
		{line: "@RSYNCD: 27", expected: 27},
		{line: "@RSYNCD: 27.0", expected: 27},
		{line: "@RSYNCD: 31.0", expected: 31},
		{line: "@RSYNCD: 31.0 sha512 sha256 md5 md4", expected: 31},
		{line: "@RSYNCD:", fail: true},
		{line: "@RSYNCD: banana", fail: true},
		{line: "HTTP/1.1 400 Bad Request", fail: true},
	}
	for _, testCase := range cases {
		testCase.run(t)
	}
}

type resolveModulePathTestCase struct {
	module   string
	path     string
	expected string
	fail     bool
}

func (c resolveModulePathTestCase) run(t *testing.T) {
	t.Helper()
	resolved, err := resolveModulePath(c.module, c.path)
	if c.fail {
		if err == nil {
			t.Errorf("resolving %q succeeded unexpectedly", c.path)
		}
		return
	}
	if err != nil {
		t.Errorf("unable to resolve %q: %v", c.path, err)
	} else if resolved != c.expected {
		t.Errorf("unexpected resolution for %q: %q != %q", c.path, resolved, c.expected)
	}
}

func TestResolveModulePath(t *testing.T) {
	cases := []resolveModulePathTestCase{
		{module: "data", path: "data", expected: ""},
		{module: "data", path: "data/", expected: ""},
		{module: "data", path: "data//", expected: ""},
		{module: "data", path: "data/docs", expected: "docs"},
		{module: "data", path: "data/docs/", expected: "docs"},
		{module: "data", path: "other", fail: true},
		{module: "data", path: "database", fail: true},
		{module: "data", path: "data/../escape", fail: true},
		{module: "data", path: "data/..", fail: true},
	}
	for _, testCase := range cases {
		testCase.run(t)
	}
}
