package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/docker/go-units"
)

// TransferOutcome discriminates the terminal result of a transfer.
type TransferOutcome int

const (
	// TransferInProgress marks non-terminal progress updates.
	TransferInProgress TransferOutcome = iota
	TransferCompleted
	TransferFailed
	TransferAborted
)

func (o TransferOutcome) String() string {
	switch o {
	case TransferInProgress:
		return "in_progress"
	case TransferCompleted:
		return "completed"
	case TransferFailed:
		return "failed"
	case TransferAborted:
		return "aborted"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// TransferProgress is one progress report of an UploadFile call.
type TransferProgress struct {
	Outcome TransferOutcome
	Message string
	// Fraction is in [0,1) while in progress and 1 on completion.
	Fraction   float64
	BytesSent  int64
	TotalBytes int64
	// Err is set on failed and aborted outcomes.
	Err error
}

// Done reports whether this is the terminal report.
func (p TransferProgress) Done() bool {
	return p.Outcome != TransferInProgress
}

// ProgressFunc receives transfer progress. It is called from the goroutine
// the HTTP transport reads the body on, then once more from the caller's
// goroutine for the terminal report.
type ProgressFunc func(TransferProgress)

// maxInProgressFraction keeps in-flight fractions strictly below 1 even
// when every byte has been written but the response is pending.
const maxInProgressFraction = 0.999

type transfer struct {
	cancel  context.CancelFunc
	aborted atomic.Bool
}

func (c *client) UploadFile(
	ctx context.Context,
	presignedURL, localPath string,
	progress ProgressFunc,
) error {
	if progress == nil {
		progress = func(TransferProgress) {}
	}

	t, transferCtx, err := c.beginTransfer(ctx)
	if err != nil {
		progress(TransferProgress{Outcome: TransferFailed, Message: err.Error(), Err: err})

		return err
	}

	result := c.runTransfer(transferCtx, t, presignedURL, localPath, progress)

	// The handle is released before the terminal report so the callback
	// may start a new transfer.
	c.endTransfer(t)

	progress(result)

	if result.Outcome == TransferCompleted {
		return nil
	}

	return result.Err
}

func (c *client) runTransfer(
	ctx context.Context,
	t *transfer,
	presignedURL, localPath string,
	progress ProgressFunc,
) TransferProgress {
	log := c.log.WithField("file", localPath)

	f, err := os.Open(localPath)
	if err != nil {
		return failed(0, 0, newError(KindTransferFailed, "Failed to read file", err))
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return failed(0, 0, newError(KindTransferFailed, "Failed to read file", err))
	}

	total := info.Size()

	log.WithField("size", units.HumanSize(float64(total))).Info("Uploading file")

	body := &progressReader{
		r:     f,
		total: total,
		report: func(sent int64) {
			progress(TransferProgress{
				Outcome:    TransferInProgress,
				Message:    "uploading",
				Fraction:   fraction(sent, total),
				BytesSent:  sent,
				TotalBytes: total,
			})
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, presignedURL, body)
	if err != nil {
		return failed(0, total, newError(KindTransferFailed, "Upload failed: invalid upload URL", err))
	}

	req.ContentLength = total
	req.Header.Set("Content-Type", "application/octet-stream")

	if total == 0 {
		req.Body = http.NoBody
	}

	start := time.Now()

	resp, err := c.transferClient.Do(req)
	if err != nil {
		sent := body.sent.Load()

		if t.aborted.Load() || errors.Is(err, context.Canceled) {
			log.Warn("Upload was cancelled")

			return TransferProgress{
				Outcome:    TransferAborted,
				Message:    "Upload cancelled",
				Fraction:   fraction(sent, total),
				BytesSent:  sent,
				TotalBytes: total,
				Err:        newError(KindTransferAborted, "Upload cancelled", err),
			}
		}

		log.WithError(err).Error("Upload failed")

		return failed(sent, total, newError(KindTransferFailed, "Upload failed: connection error", err))
	}
	defer func() { _ = resp.Body.Close() }()

	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := fmt.Sprintf("Upload failed: HTTP %d", resp.StatusCode)

		log.WithField("status", resp.StatusCode).Error("Upload rejected by storage")

		return failed(body.sent.Load(), total, &Error{
			Kind:       KindTransferFailed,
			StatusCode: resp.StatusCode,
			Message:    msg,
		})
	}

	log.WithField("duration", time.Since(start).Round(time.Millisecond)).Info("Upload successful")

	return TransferProgress{
		Outcome:    TransferCompleted,
		Message:    "completed",
		Fraction:   1,
		BytesSent:  total,
		TotalBytes: total,
	}
}

func failed(sent, total int64, err *Error) TransferProgress {
	return TransferProgress{
		Outcome:    TransferFailed,
		Message:    err.Message,
		Fraction:   fraction(sent, total),
		BytesSent:  sent,
		TotalBytes: total,
		Err:        err,
	}
}

func (c *client) beginTransfer(ctx context.Context) (*transfer, context.Context, error) {
	c.transferMu.Lock()
	defer c.transferMu.Unlock()

	if c.activeTransfer != nil {
		return nil, nil, newError(KindBusy, "An upload is already in progress", nil)
	}

	transferCtx, cancel := context.WithCancel(ctx)
	t := &transfer{cancel: cancel}
	c.activeTransfer = t

	return t, transferCtx, nil
}

func (c *client) endTransfer(t *transfer) {
	c.transferMu.Lock()
	defer c.transferMu.Unlock()

	t.cancel()

	if c.activeTransfer == t {
		c.activeTransfer = nil
	}
}

func (c *client) CancelActiveUpload() {
	c.transferMu.Lock()
	defer c.transferMu.Unlock()

	if c.activeTransfer == nil {
		c.log.Debug("No active upload to cancel")

		return
	}

	c.log.Info("Cancelling active upload")

	c.activeTransfer.aborted.Store(true)
	c.activeTransfer.cancel()
	c.activeTransfer = nil
}

func fraction(sent, total int64) float64 {
	if total <= 0 {
		return 0
	}

	f := float64(sent) / float64(total)
	if f > maxInProgressFraction {
		f = maxInProgressFraction
	}

	return f
}

// progressReader counts bytes handed to the transport.
type progressReader struct {
	r      io.Reader
	total  int64
	sent   atomic.Int64
	report func(sent int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.report(p.sent.Add(int64(n)))
	}

	return n, err
}
