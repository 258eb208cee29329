/**
 * Copyright (c) 2022, Xerra Earth Observation Institute
 * See LICENSE.TXT in the root directory of this source tree.
 */

package capture

import (
	"fmt"
	"math"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
)

// RotationPolicy configures the three triggers spec.md §4.6 defines. A zero
// value for MaxFileSize/Interval/MaxFiles disables that trigger.
type RotationPolicy struct {
	Template      string // output filename, may contain date and %{id} placeholders
	MaxFileSize   int64  // bytes; 0 disables size-based rotation
	Interval      time.Duration
	MaxFiles      int // 0 disables the file-count cap (unbounded)
	PostRotateCmd string
}

func (p RotationPolicy) sizeActive() bool { return p.MaxFileSize > 0 }
func (p RotationPolicy) timeActive() bool { return p.Interval > 0 }
func (p RotationPolicy) countCapped() bool { return p.MaxFiles > 0 }

// Rotator owns the current output capture file and applies size/time/count
// rotation policies (spec.md §4.6 "Output modes and rotation"). One Rotator
// exists per writing session; a read-only session never constructs one.
type Rotator struct {
	policy   RotationPolicy
	linkType layers.LinkType
	snapLen  int
	runID    string
	log      *logrus.Entry
	onRotate func() // hook for pkg/metrics to bump the rotation counter

	file          *os.File
	writer        *pcapgo.Writer
	fileIndex     int
	filesWritten  int
	rotationStart time.Time
	bytesWritten  int64

	stopped bool // set once MaxFiles is reached; WritePacket becomes a no-op returning ErrFileCountReached
}

// ErrFileCountReached is returned by WritePacket once the file-count cap has
// been hit; the caller (Session.Run) treats this as a clean stop, not a
// fatal error.
var ErrFileCountReached = fmt.Errorf("capture: max-files reached")

// NewRotator opens the first output file under policy.
func NewRotator(policy RotationPolicy, linkType layers.LinkType, snapLen int, onRotate func()) (*Rotator, error) {
	r := &Rotator{
		policy:   policy,
		linkType: linkType,
		snapLen:  snapLen,
		runID:    xid.New().String(),
		log:      logrus.WithField("component", "capture.rotate"),
		onRotate: onRotate,
	}
	r.rotationStart = time.Now()
	if err := r.openNext(); err != nil {
		return nil, err
	}
	return r, nil
}

// WritePacket rotates first if a trigger fires, then writes the packet to
// the current output file.
func (r *Rotator) WritePacket(ci gopacket.CaptureInfo, data []byte) error {
	if r.stopped {
		return ErrFileCountReached
	}
	nextSize := r.bytesWritten + int64(16+len(data)) // pcap per-record header is 16 bytes
	sizeTrigger := r.policy.sizeActive() && nextSize > r.policy.MaxFileSize
	timeTrigger := r.policy.timeActive() && time.Since(r.rotationStart) >= r.policy.Interval
	if sizeTrigger || timeTrigger {
		if err := r.rotate(); err != nil {
			return err
		}
		if r.stopped {
			return ErrFileCountReached
		}
	}
	if err := r.writer.WritePacket(ci, data); err != nil {
		return fmt.Errorf("writing packet: %w", err)
	}
	r.bytesWritten += int64(16 + len(data))
	return nil
}

func (r *Rotator) rotate() error {
	closedPath := r.file.Name()
	if err := r.file.Close(); err != nil {
		return fmt.Errorf("closing rotated file %s: %w", closedPath, err)
	}
	r.spawnPostRotate(closedPath)

	r.filesWritten++
	if r.policy.countCapped() && r.filesWritten >= r.policy.MaxFiles {
		r.stopped = true
		return nil
	}
	r.fileIndex++
	r.rotationStart = time.Now()
	if r.onRotate != nil {
		r.onRotate()
	}
	return r.openNext()
}

func (r *Rotator) openNext() error {
	name := r.filename()
	f, err := os.Create(name)
	if err != nil {
		return fmt.Errorf("opening output file %s: %w", name, err)
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(uint32(r.snapLen), r.linkType); err != nil {
		f.Close()
		return fmt.Errorf("writing pcap header for %s: %w", name, err)
	}
	r.file = f
	r.writer = w
	r.bytesWritten = 0
	r.log.WithField("file", name).Info("opened capture output file")
	return nil
}

func (r *Rotator) filename() string {
	name := r.policy.Template
	if r.policy.timeActive() {
		name = expandDateTemplate(name, r.rotationStart)
	}
	name = strings.ReplaceAll(name, "%{id}", r.runID)
	if r.policy.sizeActive() {
		digits := digitsFor(r.policy.MaxFiles)
		name = fmt.Sprintf("%s%0*d", name, digits, r.fileIndex)
	}
	return name
}

// digitsFor returns ceil(log10(maxFiles)), at least 1, matching spec.md
// §4.6's "numeric suffix of at least ceil(log10(max_files)) digits".
func digitsFor(maxFiles int) int {
	if maxFiles <= 1 {
		return 1
	}
	d := int(math.Ceil(math.Log10(float64(maxFiles))))
	if d < 1 {
		d = 1
	}
	return d
}

// expandDateTemplate performs the strftime-subset substitution spec.md
// §4.6 requires for time-based rotation filenames.
func expandDateTemplate(tpl string, t time.Time) string {
	t = t.Local()
	replacer := strings.NewReplacer(
		"%Y", fmt.Sprintf("%04d", t.Year()),
		"%m", fmt.Sprintf("%02d", int(t.Month())),
		"%d", fmt.Sprintf("%02d", t.Day()),
		"%H", fmt.Sprintf("%02d", t.Hour()),
		"%M", fmt.Sprintf("%02d", t.Minute()),
		"%S", fmt.Sprintf("%02d", t.Second()),
	)
	return replacer.Replace(tpl)
}

// spawnPostRotate runs the configured command against the just-closed file.
// It does not wait for completion; pkg/capture's signal handler reaps the
// child via SIGCHLD (spec.md §4.6 "the parent does not wait synchronously
// but must reap zombies via a SIGCHLD handler").
func (r *Rotator) spawnPostRotate(closedPath string) {
	if r.policy.PostRotateCmd == "" {
		return
	}
	cmd := exec.Command(r.policy.PostRotateCmd, closedPath)
	if err := cmd.Start(); err != nil {
		r.log.WithError(err).WithField("file", closedPath).Warn("post-rotate command failed to start")
		return
	}
	lowerChildPriority(cmd.Process.Pid)
}

// Close closes the currently open output file without rotating further.
func (r *Rotator) Close() error {
	if r.file == nil {
		return nil
	}
	return r.file.Close()
}
