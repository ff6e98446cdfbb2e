package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/andresmejia3/irisgate/internal/auth"
	"github.com/andresmejia3/irisgate/internal/capture"
	"github.com/andresmejia3/irisgate/internal/credential"
	"github.com/andresmejia3/irisgate/internal/session"
	"github.com/andresmejia3/irisgate/internal/transport"
	"github.com/andresmejia3/irisgate/internal/utils"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

const eyePollInterval = 100 * time.Millisecond

func addCaptureFlags(cmd *cobra.Command, opts *Options) {
	cmd.Flags().StringVarP(&opts.Camera, "camera", "c", "", "Camera device read through ffmpeg (env IRISGATE_CAMERA)")
	cmd.Flags().StringVarP(&opts.Image, "image", "i", "", "Use a still image instead of the camera")
	cmd.Flags().StringVarP(&opts.Timeout, "timeout", "t", "30s", "Give up if the scan has not finished within this duration")
	cmd.MarkFlagsMutuallyExclusive("camera", "image")
}

func validateCaptureFlags(opts Options) (time.Duration, error) {
	timeout, err := time.ParseDuration(opts.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid --timeout %q: %w", opts.Timeout, err)
	}
	if timeout <= 0 {
		return 0, fmt.Errorf("--timeout must be positive, got %s", timeout)
	}
	return timeout, nil
}

// openSource starts the capture source. The returned SafeCommand is the ffmpeg
// process when the camera is used, so its logs can be shown on failure.
func openSource(ctx context.Context, opts Options, log *slog.Logger) (capture.Source, *utils.SafeCommand, error) {
	if opts.Image != "" {
		src, err := capture.OpenFile(opts.Image)
		return src, nil, err
	}
	device := opts.Camera
	if device == "" {
		device = clientCfg.Camera
	}
	src, err := capture.OpenFFmpeg(ctx, capture.FFmpegOptions{
		Format: clientCfg.CameraFormat,
		Device: device,
		Size:   clientCfg.CameraSize,
	}, log)
	if err != nil {
		return nil, nil, err
	}
	return src, src.Command(), nil
}

// runTerminal drives one session from connect to a terminal reply: it waits
// for an eye, sends the request and returns the session's Result.
func runTerminal(cmd *cobra.Command, opts Options, kind session.RequestKind) (session.Result, error) {
	timeout, err := validateCaptureFlags(opts)
	if err != nil {
		return session.Result{}, err
	}
	if err := clientCfg.Validate(); err != nil {
		return session.Result{}, err
	}

	log := newLogger(os.Stderr)
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	// 1. Capture source
	src, proc, err := openSource(ctx, opts, log)
	if err != nil {
		utils.ShowError("Failed to open capture source", err, proc)
		return session.Result{}, err
	}

	// 2. Credential store
	creds, err := credential.OpenBolt(clientCfg.CredentialPath)
	if err != nil {
		_ = src.Close()
		return session.Result{}, err
	}
	defer creds.Close()

	// 3. Session
	client := session.New(session.Config{
		Endpoint:       clientCfg.ServerURL,
		Identity:       clientCfg.Identity,
		Interval:       clientCfg.DetectInterval,
		ProbeQuality:   clientCfg.ProbeQuality,
		CaptureQuality: clientCfg.CaptureQuality,
		Logger:         log,
	}, transport.New(transport.Options{Logger: log}), capture.NewPipeline(src), auth.NewIssuer(creds, log))

	go client.Run(ctx)
	defer client.Close()

	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("🔌 Connecting..."),
		progressbar.OptionSetWriter(os.Stderr), // Write spinner to Stderr
		progressbar.OptionSpinnerType(14),
		progressbar.OptionClearOnFinish(),
	)
	defer bar.Finish()
	stopObserving := client.Observe(func(s session.Snapshot) {
		bar.Describe(statusIcon(s.Status.Kind) + " " + s.Status.Text)
	})
	defer stopObserving()

	connectCtx, connectCancel := context.WithTimeout(ctx, clientCfg.ConnectTimeout)
	err = client.Connect(connectCtx)
	connectCancel()
	if err != nil {
		return session.Result{}, fmt.Errorf("connect %s: %w", clientCfg.ServerURL, err)
	}
	fmt.Fprintf(os.Stderr, "🔌 Connected to %s\n", clientCfg.ServerURL)

	// 4. Wait until the detector sees an eye
	if err := waitForEye(ctx, client, bar, timeout); err != nil {
		if errors.Is(err, capture.ErrSourceUnavailable) {
			utils.ShowError("Camera capture failed", err, proc)
		}
		return session.Result{}, err
	}

	// 5. Terminal request
	if kind == session.RequestEnroll {
		err = client.Enroll(ctx)
	} else {
		err = client.Authenticate(ctx)
	}
	if err != nil {
		if errors.Is(err, capture.ErrSourceUnavailable) {
			utils.ShowError("Camera capture failed", err, proc)
		}
		return session.Result{}, err
	}

	select {
	case r := <-client.Results():
		return r, nil
	case <-ctx.Done():
		return session.Result{}, fmt.Errorf("no reply from the iris service within %s: %w", timeout, ctx.Err())
	}
}

func waitForEye(ctx context.Context, client *session.Client, bar *progressbar.ProgressBar, timeout time.Duration) error {
	tick := time.NewTicker(eyePollInterval)
	defer tick.Stop()

	var last session.Snapshot
	for {
		snap, err := client.Snapshot(ctx)
		if err != nil {
			return noEyeError(last, timeout, err)
		}
		last = snap
		if !snap.Connected() {
			return fmt.Errorf("%w: %s", transport.ErrChannelUnavailable, snap.Status.Text)
		}
		if snap.EyePresent() {
			return nil
		}

		select {
		case <-ctx.Done():
			return noEyeError(last, timeout, ctx.Err())
		case <-tick.C:
			_ = bar.Add(1)
		}
	}
}

func noEyeError(last session.Snapshot, timeout time.Duration, cause error) error {
	if last.Status.Category == session.CategorySourceUnavailable {
		return fmt.Errorf("%w: no frame within %s", capture.ErrSourceUnavailable, timeout)
	}
	return fmt.Errorf("no eye detected within %s: %w", timeout, cause)
}

func statusIcon(k session.Kind) string {
	switch k {
	case session.KindScanning:
		return "🔍"
	case session.KindSuccess:
		return "✅"
	case session.KindError:
		return "⚠️ "
	default:
		return "👁️ "
	}
}
