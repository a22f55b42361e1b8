package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/snksoft/crc"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/tomb.v2"

	"github.com/ipe-fpga/pcilib"
	"github.com/ipe-fpga/pcilib/ipecamera"
)

// INDEX_FILE lists the captured frames with the CRC-32 of their raw data.
const INDEX_FILE = "index.txt"

var crcTable = crc.NewTable(crc.CRC32)

var (
	captureFrames  int
	captureOutput  string
	captureImage   bool
	captureTrigger bool
	captureTimeout time.Duration

	triggerCount int
)

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Grab frames of the camera into files",
	Long: `capture writes the raw data of every frame to frameNNNNNN.raw in the output
directory and adds a line "id seqnum size crc32 broken" to index.txt.
With --image the decoded 16-bit image is written to frameNNNNNN.img as well.`,
	Args: cobra.NoArgs,
	RunE: runCapture,
}

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Request frames from the camera",
	Args:  cobra.NoArgs,
	RunE:  runTrigger,
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Bring the camera into its default state",
	Args:  cobra.NoArgs,
	RunE:  runReset,
}

func init() {
	captureCmd.Flags().IntVarP(&captureFrames, "frames", "n", 1, "The number of frames to grab.")
	captureCmd.Flags().StringVarP(&captureOutput, "output", "o", ".", "The output directory.")
	captureCmd.Flags().BoolVar(&captureImage, "image", false, "Also write the decoded images.")
	captureCmd.Flags().BoolVar(&captureTrigger, "trigger", true, "Request every frame instead of waiting for external triggers.")
	captureCmd.Flags().DurationVar(&captureTimeout, "timeout", 10*time.Second, "Give up if the capture takes longer, 0 waits forever.")

	triggerCmd.Flags().IntVarP(&triggerCount, "count", "n", 1, "The number of frame requests.")

	rootCmd.AddCommand(captureCmd, triggerCmd, resetCmd)
}

// recorder writes the frames of a capture.
type recorder struct {
	camera *ipecamera.Camera
	dir    string
	index  *bufio.Writer
	image  []byte
	frames int
	broken int
}

func (r *recorder) record(id ipecamera.EventID, info ipecamera.EventInfo) error {
	raw, err := r.camera.Get(id, ipecamera.DATA_RAW)
	if err != nil {
		return err
	}

	name := filepath.Join(r.dir, fmt.Sprintf("frame%06d", id))
	if err := os.WriteFile(name+".raw", raw, 0o644); err != nil {
		return err
	}
	sum := crcTable.CalculateCRC(raw)

	if err := r.camera.Return(id, ipecamera.DATA_RAW); err != nil {
		return err
	}

	if info.Broken() {
		r.broken++
	}
	fmt.Fprintf(r.index, "%d %d %d %08x %t\n", id, info.Seqnum, len(raw), sum, info.Broken())

	if r.image != nil && !info.Broken() {
		n, err := r.camera.GetInto(id, ipecamera.DATA_IMAGE, r.image)
		if err != nil {
			return err
		}

		if err := os.WriteFile(name+".img", r.image[:n], 0o644); err != nil {
			return err
		}
	}

	r.frames++

	return nil
}

func runCapture(cmd *cobra.Command, args []string) error {
	if captureFrames <= 0 {
		return fmt.Errorf("%d frames: %w", captureFrames, pcilib.ErrInvalidArgument)
	}

	if err := os.MkdirAll(captureOutput, 0o755); err != nil {
		return err
	}

	index, err := os.Create(filepath.Join(captureOutput, INDEX_FILE))
	if err != nil {
		return err
	}
	defer index.Close()

	s, err := openSession(true)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.needCamera(); err != nil {
		return err
	}

	cam := s.camera
	cam.SetAutostop(uint64(captureFrames), cfg.Camera.AutostopDuration)

	flags := ipecamera.EVENT_FLAGS_DEFAULT
	if cfg.Camera.Preprocess {
		flags |= ipecamera.EVENT_FLAG_PREPROCESS
	}

	if err := cam.Start(ipecamera.EVENTS_ALL, flags); err != nil {
		return err
	}
	defer cam.Stop(ipecamera.EVENT_FLAGS_DEFAULT)

	rec := &recorder{camera: cam, dir: captureOutput, index: bufio.NewWriter(index)}
	if captureImage {
		dim := cam.Dimensions()
		rec.image = make([]byte, dim.Width*dim.Height*dim.BPP/8)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if captureTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, captureTimeout)
		defer cancel()
	}

	t, tctx := tomb.WithContext(ctx)

	if captureTrigger {
		t.Go(func() error {
			for i := 0; i < captureFrames; i++ {
				if err := cam.Trigger(tctx, ipecamera.EVENT_NEW_FRAME, nil); err != nil {
					if tctx.Err() != nil {
						return nil
					}
					logger.Warn("Frame request failed", zap.Int("frame", i+1), zap.Error(err))
				}
			}

			return nil
		})
	}

	err = cam.Stream(ctx, func(id ipecamera.EventID, info ipecamera.EventInfo) (bool, error) {
		if err := rec.record(id, info); err != nil {
			if !errors.Is(err, pcilib.ErrOverwritten) {
				return false, err
			}
			logger.Warn("Frame was overwritten before it was saved", zap.Uint64("id", uint64(id)))
		}

		return rec.frames < captureFrames, nil
	})

	t.Kill(nil)
	_ = t.Wait()

	if ferr := rec.index.Flush(); err == nil {
		err = ferr
	}

	fmt.Printf("%d frames (%d broken) written to %s\n", rec.frames, rec.broken, captureOutput)

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("capture did not finish within %s: %w", captureTimeout, pcilib.ErrTimeout)
	case errors.Is(err, context.Canceled):
		return nil
	}

	return err
}

func runTrigger(cmd *cobra.Command, args []string) error {
	s, err := openSession(true)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.needCamera(); err != nil {
		return err
	}

	for i := 0; i < triggerCount; i++ {
		if err := s.camera.Trigger(cmd.Context(), ipecamera.EVENT_NEW_FRAME, nil); err != nil {
			return fmt.Errorf("frame request %d: %w", i+1, err)
		}
	}

	return nil
}

func runReset(cmd *cobra.Command, args []string) error {
	s, err := openSession(true)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.needCamera(); err != nil {
		return err
	}

	return s.camera.Reset()
}
