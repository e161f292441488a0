package transfer

import (
	"bufio"
	"context"
	"io"
	"math"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/mirrorkit/mirrorkit/pkg/flist"
	"github.com/mirrorkit/mirrorkit/pkg/logging"
	"github.com/mirrorkit/mirrorkit/pkg/multiplex"
	"github.com/mirrorkit/mirrorkit/pkg/rsync"
	"github.com/mirrorkit/mirrorkit/pkg/rsyncurl"
	"github.com/mirrorkit/mirrorkit/pkg/staging"
	"github.com/mirrorkit/mirrorkit/pkg/wire"
)

// Options control optional behavior for both session roles. A nil Options
// value behaves like the zero value.
type Options struct {
	// BlockLength fixes the block length used in generated signatures. If 0,
	// block lengths are derived from basis sizes.
	BlockLength uint32
	// StrongSumLength fixes the truncated strong checksum length used in
	// generated signatures. If 0, lengths are derived from basis sizes.
	StrongSumLength uint32
	// MaximumDataOperationSize caps the literal data bytes sent per token
	// when serving. If 0, a 32 KiB default matching stock peers is used.
	MaximumDataOperationSize uint64
	// MemoryMapBases enables memory-mapped basis access.
	MemoryMapBases bool
	// PreserveOwners requests numeric owner preservation.
	PreserveOwners bool
	// PreserveGroups requests numeric group preservation.
	PreserveGroups bool
	// ChecksumSeed fixes the checksum seed announced when serving. If 0, a
	// clock-derived seed is generated for each session.
	ChecksumSeed int32
	// MOTD receives message-of-the-day lines during the handshake. If nil,
	// such lines are discarded.
	MOTD func(line string)
	// Progress, if non-nil, is invoked with each file's path as its
	// reconstruction begins.
	Progress func(path string)
	// Logger is the session logger. A nil logger suppresses logging.
	Logger *logging.Logger
}

// normalizeOptions returns a copy of the specified options (which may be
// nil) with defaults applied and out-of-range values clamped.
func normalizeOptions(options *Options) *Options {
	result := &Options{}
	if options != nil {
		*result = *options
	}
	if result.BlockLength > rsync.MaximumBlockLength {
		result.BlockLength = rsync.MaximumBlockLength
	}
	if result.StrongSumLength != 0 {
		if result.StrongSumLength < rsync.MinimumStrongSumLength {
			result.StrongSumLength = rsync.MinimumStrongSumLength
		} else if result.StrongSumLength > rsync.FullStrongSumLength {
			result.StrongSumLength = rsync.FullStrongSumLength
		}
	}
	if result.MaximumDataOperationSize == 0 {
		result.MaximumDataOperationSize = rsync.DefaultMaximumDataOperationSize
	} else if result.MaximumDataOperationSize > math.MaxInt32 {
		// Literal lengths are encoded as positive 32-bit token values.
		result.MaximumDataOperationSize = math.MaxInt32
	}
	return result
}

// countingReader counts the bytes read from an underlying reader.
type countingReader struct {
	reader io.Reader
	count  uint64
}

func (r *countingReader) Read(buffer []byte) (int, error) {
	n, err := r.reader.Read(buffer)
	r.count += uint64(n)
	return n, err
}

// countingWriter counts the bytes written to an underlying writer.
type countingWriter struct {
	writer io.Writer
	count  uint64
}

func (w *countingWriter) Write(data []byte) (int, error) {
	n, err := w.writer.Write(data)
	w.count += uint64(n)
	return n, err
}

// messageHandler routes multiplexed server messages to the session logger.
func messageHandler(logger *logging.Logger) multiplex.MessageHandler {
	return func(tag multiplex.Tag, payload []byte) error {
		message := strings.TrimRight(string(payload), "\r\n")
		switch tag {
		case multiplex.TagError, multiplex.TagErrorXfer:
			logger.Warn(errors.Errorf("server: %s", message))
		default:
			logger.Printf("server: %s", message)
		}
		return nil
	}
}

// Dial establishes a TCP connection to the daemon named by a URL.
func Dial(url *rsyncurl.URL, timeout time.Duration) (net.Conn, error) {
	if err := url.EnsureValid(); err != nil {
		return nil, errors.Wrap(err, "invalid URL")
	}
	address := net.JoinHostPort(url.Host, strconv.FormatUint(uint64(url.Port), 10))
	return net.DialTimeout("tcp", address, timeout)
}

// Mirror performs a mirroring session over an established daemon connection,
// reconstructing the content named by the URL beneath the destination root.
// The connection is closed if the context is cancelled and is otherwise left
// open (though exhausted) for the caller to close. Per-file failures don't
// yield an error: they're recorded in the returned report.
func Mirror(ctx context.Context, connection net.Conn, url *rsyncurl.URL, destination string, options *Options) (*Report, error) {
	// Validate parameters and apply defaults.
	if err := url.EnsureValid(); err != nil {
		return nil, errors.Wrap(err, "invalid URL")
	}
	options = normalizeOptions(options)
	logger := options.Logger

	// Ensure that the destination root exists.
	if err := os.MkdirAll(destination, 0755); err != nil {
		return nil, errors.Wrap(err, "unable to create destination")
	}

	// Interrupt the connection if the context is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			connection.Close()
		case <-done:
		}
	}()

	// Set up counting and buffering around the connection. The buffered
	// reader persists across the handshake and multiplexed phases.
	reads := &countingReader{reader: connection}
	writes := &countingWriter{writer: connection}
	reader := bufio.NewReader(reads)
	writer := bufio.NewWriter(writes)

	// Create the session report.
	report := &Report{Session: uuid.NewString()}
	logger.Debugf("session %s: mirroring %s", report.Session, url.Format())

	// Perform the handshake.
	seed, err := Handshake(reader, writer, url, options)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, errors.Wrap(err, "handshake failed")
	}
	logger.Debugf("session %s: checksum seed %d", report.Session, seed)

	// The server-to-client stream is multiplexed from here on.
	mux := multiplex.NewReader(reader, messageHandler(logger))

	// Receive the file list and any identifier mappings.
	list, err := flist.ReadList(mux, flist.Options{
		PreserveLinks: true,
		PreserveUIDs:  options.PreserveOwners,
		PreserveGIDs:  options.PreserveGroups,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, errors.Wrap(err, "unable to receive file list")
	}
	var uids, gids idMap
	if options.PreserveOwners {
		mappings, err := flist.ReadIDList(mux)
		if err != nil {
			return nil, errors.Wrap(err, "unable to receive user mappings")
		}
		uids = newIDMap(mappings, lookupLocalUser)
	}
	if options.PreserveGroups {
		mappings, err := flist.ReadIDList(mux)
		if err != nil {
			return nil, errors.Wrap(err, "unable to receive group mappings")
		}
		gids = newIDMap(mappings, lookupLocalGroup)
	}

	// Read the server's file list error indicator.
	listErrors, err := wire.ReadInt32(mux)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read file list error indicator")
	}
	if listErrors != 0 {
		logger.Warn(errors.Errorf("server file list was incomplete (flags %#x)", listErrors))
	}
	report.ListErrors = listErrors
	report.Entries = len(list)

	// Localize entry names up front. Entries that can't be localized are
	// recorded as failures here; the generator skips them, and the receiver
	// burns their delta streams if the server sends any regardless.
	paths := make([]string, len(list))
	var failures []*FileError
	stagingDirectories := make(map[string]bool)
	for i, entry := range list {
		if entry.Mode.IsRegular() {
			report.RegularFiles++
		}
		path, err := localizePath(entry.Name)
		if err != nil {
			failure := &FileError{Path: entry.Path(), Kind: FileErrorKindInvalidName, Err: err}
			failures = append(failures, failure)
			logger.Warn(failure)
			continue
		}
		paths[i] = path
		if entry.Mode.IsRegular() {
			stagingDirectories[filepath.Dir(filepath.Join(destination, path))] = true
		}
	}

	// Sweep staging storage orphaned by crashed or interrupted sessions from
	// the directories this session will stage into.
	directories := make([]string, 0, len(stagingDirectories))
	for directory := range stagingDirectories {
		directories = append(directories, directory)
	}
	staging.Housekeep(directories)

	// Run the generator and receiver concurrently. They share no mutable
	// state: their results are merged only after both have finished.
	engine := rsync.NewEngine(seed)
	gen := &generator{
		writer:    writer,
		engine:    engine,
		root:      destination,
		list:      list,
		paths:     paths,
		options:   options,
		logger:    logger.Sublogger("generator"),
		uids:      uids,
		gids:      gids,
		requested: make(map[int32]string),
	}
	recv := &receiver{
		reader:   mux,
		root:     destination,
		list:     list,
		paths:    paths,
		options:  options,
		logger:   logger.Sublogger("receiver"),
		seed:     seed,
		stager:   staging.NewStager(destination),
		uids:     uids,
		gids:     gids,
		answered: make(map[int32]bool),
	}
	group := &errgroup.Group{}
	group.Go(gen.run)
	group.Go(recv.run)
	if err := group.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}

	// Read the server's session statistics.
	serverRead, err := wire.ReadLong(mux)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read server statistics")
	}
	serverWritten, err := wire.ReadLong(mux)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read server statistics")
	}
	totalSize, err := wire.ReadLong(mux)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read server statistics")
	}

	// Send the final goodbye.
	if err := wire.WriteInt32(writer, -1); err != nil {
		return nil, errors.Wrap(err, "unable to send goodbye")
	} else if err = writer.Flush(); err != nil {
		return nil, errors.Wrap(err, "unable to send goodbye")
	}

	// Merge results into the report. Requests that never received a response
	// indicate files the server skipped, usually because they became
	// unreadable after listing.
	failures = append(failures, gen.failures...)
	failures = append(failures, recv.failures...)
	for _, entry := range list {
		if path, ok := gen.requested[entry.Index]; ok && !recv.answered[entry.Index] {
			failure := &FileError{Path: path, Kind: FileErrorKindUnanswered}
			failures = append(failures, failure)
			logger.Warn(failure)
		}
	}
	report.Transferred = recv.transferred
	report.Skipped = gen.skipped
	report.Failures = failures
	report.LiteralData = recv.literal
	report.MatchedData = recv.matched
	report.ServerBytesRead = serverRead
	report.ServerBytesWritten = serverWritten
	report.TotalSize = totalSize
	report.BytesSent = writes.count
	report.BytesReceived = reads.count
	logger.Debugf("session %s: %d transferred, %d skipped, %d failed",
		report.Session, report.Transferred, report.Skipped, len(report.Failures))

	// Success.
	return report, nil
}

// Serve performs the sending side of a session over an accepted connection,
// offering the specified modules (a map from module name to root path). It
// returns once the client's session completes or fails. The connection is
// closed if the context is cancelled and is otherwise left for the caller
// to close.
func Serve(ctx context.Context, connection net.Conn, modules map[string]string, options *Options) error {
	// Apply defaults.
	options = normalizeOptions(options)
	logger := options.Logger

	// Interrupt the connection if the context is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			connection.Close()
		case <-done:
		}
	}()

	// Set up counting and buffering around the connection.
	reads := &countingReader{reader: connection}
	writes := &countingWriter{writer: connection}
	reader := bufio.NewReader(reads)

	// Choose the session checksum seed.
	seed := options.ChecksumSeed
	if seed == 0 {
		seed = int32(time.Now().Unix())
	}

	// Perform the handshake.
	request, err := AcceptHandshake(reader, writes, modules, seed)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return errors.Wrap(err, "handshake failed")
	}
	logger.Debugf("serving module %s (path %q) with seed %d", request.Module, request.Path, seed)

	// The server-to-client stream is multiplexed from here on. Failures
	// before the transfer loop are reported to the client in-band so that
	// they surface in its logs rather than as a bare connection loss.
	mux := multiplex.NewWriter(writes)
	sendError := func(err error) error {
		if messageErr := mux.Message(multiplex.TagError, []byte(err.Error()+"\n")); messageErr != nil {
			logger.Warn(messageErr)
		}
		return err
	}

	// Resolve and validate the serve root.
	root := request.Root
	if request.Path != "" {
		root = filepath.Join(root, request.Path)
	}
	if info, err := os.Stat(root); err != nil {
		return sendError(errors.Wrap(err, "unable to access requested path"))
	} else if !info.IsDir() {
		return sendError(errors.New("requested path is not a directory"))
	}

	// Build and transmit the file list, identifier mappings, and the file
	// list error indicator.
	listOptions := flist.Options{
		PreserveLinks: request.PreserveLinks,
		PreserveUIDs:  request.PreserveOwners,
		PreserveGIDs:  request.PreserveGroups,
	}
	list, incomplete, err := buildList(root, listOptions)
	if err != nil {
		return sendError(errors.Wrap(err, "unable to build file list"))
	}
	if err := flist.WriteList(mux, list, listOptions); err != nil {
		return errors.Wrap(err, "unable to send file list")
	}
	if request.PreserveOwners {
		if err := flist.WriteIDList(mux, userMappings(list)); err != nil {
			return errors.Wrap(err, "unable to send user mappings")
		}
	}
	if request.PreserveGroups {
		if err := flist.WriteIDList(mux, groupMappings(list)); err != nil {
			return errors.Wrap(err, "unable to send group mappings")
		}
	}
	var listErrors int32
	if incomplete {
		listErrors = 1
	}
	if err := wire.WriteInt32(mux, listErrors); err != nil {
		return errors.Wrap(err, "unable to send file list error indicator")
	} else if err = mux.Flush(); err != nil {
		return errors.Wrap(err, "unable to flush file list")
	}
	logger.Debugf("listed %d entries under %s", len(list), root)

	// Compute the total content size for final statistics.
	var totalSize int64
	for _, entry := range list {
		if entry.Mode.IsRegular() {
			totalSize += entry.Size
		}
	}

	// Satisfy transfer requests.
	snd := &sender{
		reader:    reader,
		writer:    mux,
		engine:    rsync.NewEngine(seed),
		root:      root,
		list:      list,
		options:   options,
		logger:    logger.Sublogger("sender"),
		seed:      seed,
		reads:     reads,
		writes:    writes,
		totalSize: totalSize,
	}
	if err := snd.run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}

	// Success.
	return nil
}
