package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/mkarpenko/camlink/internal/adapters/rtc"
	"github.com/mkarpenko/camlink/internal/client"
	"github.com/mkarpenko/camlink/internal/domain"
	"github.com/mkarpenko/camlink/internal/negotiator"
)

type sessionMode int

const (
	modeCapture sessionMode = iota
	modeView
)

// newRoomKey mints a short, shareable key for a fresh pairing.
func newRoomKey() domain.RoomKey {
	return domain.RoomKey(strings.Split(uuid.NewString(), "-")[0])
}

// runSession connects the transport, builds a negotiator session and
// drives it until a terminal state or Ctrl-C. The mode decides the
// media direction: capture attaches a send track, view receives.
func runSession(room domain.RoomKey, mode sessionMode) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sig := client.New(flagRelay)
	if err := sig.Connect(); err != nil {
		return err
	}

	pid := domain.NewParticipantID()
	factory := func() (negotiator.PeerLink, error) {
		conn, err := rtc.NewConnection(rtc.DefaultWebRTCConfig(flagSTUN), pid)
		if err != nil {
			return nil, err
		}
		switch mode {
		case modeCapture:
			track, err := webrtc.NewTrackLocalStaticRTP(
				webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "camlink")
			if err != nil {
				return nil, err
			}
			if _, err := conn.AddLocalTrack(track); err != nil {
				return nil, err
			}
		case modeView:
			conn.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
				fmt.Fprintf(os.Stderr, "receiving %s track (%s)\n", track.Kind(), track.Codec().MimeType)
			})
		}
		return conn, nil
	}

	terminal := make(chan negotiator.Status, 1)
	sess := negotiator.NewSession(room, sig, factory, func(st negotiator.Status) {
		fmt.Fprintf(os.Stderr, "status: %s", st.State)
		if st.Reason != "" {
			fmt.Fprintf(os.Stderr, " (%s)", st.Reason)
		}
		fmt.Fprintln(os.Stderr)
		if st.State.Terminal() {
			select {
			case terminal <- st:
			default:
			}
		}
	})
	sess.SetNegotiateTimeout(flagTimeout)

	if err := sess.Join(ctx); err != nil {
		return err
	}

	select {
	case st := <-terminal:
		sess.Wait()
		if st.State == negotiator.StateFailed {
			return fmt.Errorf("session failed: %s", st.Reason)
		}
		return nil
	case <-ctx.Done():
		sess.Leave()
		sess.Wait()
		return nil
	}
}
