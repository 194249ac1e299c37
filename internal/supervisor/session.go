package supervisor

import (
	"fmt"

	"cast-go-home/internal/cast"
)

// onDeviceStatus interprets a receiver status push.
func (s *Supervisor) onDeviceStatus(st cast.ReceiverStatus) {
	if app, ok := st.FirstApplication(); ok {
		if s.st.session == nil || s.st.session.app.SessionID != app.SessionID {
			s.replaceSession(app)
		}
	} else if s.st.session != nil {
		s.logger.Info("no running application, clearing session")
		s.clearSession("no application")
	}

	if st.ApplicationsAbsent() {
		s.setCasting(false, "applications absent")
	}

	if level, ok := st.VolumeLevel(); ok && level != s.st.volumeLevel {
		s.st.volumeLevel = level
		s.record("device status", fmt.Sprintf("volume %d", displayVolume(level)))
		s.emit(EventVolumeChanged, map[string]any{
			"volume": displayVolume(level),
			"level":  level,
		})
	}
}

// replaceSession starts tracking app and attaches to its media session.
func (s *Supervisor) replaceSession(app cast.Application) {
	// Speaker groups report no usable transport id; the session id works in its place.
	app.TransportID = app.SessionID

	sess := &appSession{app: app}
	s.st.session = sess
	s.logger.Info("application session changed", "session", app.SessionID, "app", app.DisplayName)
	s.record("device status", fmt.Sprintf("session %s (%s)", app.SessionID, app.DisplayName))
	s.emit(EventSessionChanged, map[string]any{
		"session_id": app.SessionID,
		"app_id":     app.AppID,
		"app_name":   app.DisplayName,
	})

	client := s.st.client
	if client == nil {
		return
	}
	epoch := s.st.epoch
	s.spawn(func() {
		ctx, cancel := s.opContext()
		defer cancel()
		media, err := client.Join(ctx, app)
		s.post(func() { s.onJoined(epoch, sess, media, err) })
	})
}

func (s *Supervisor) onJoined(epoch uint64, sess *appSession, media cast.MediaSession, err error) {
	if epoch != s.st.epoch || s.st.session != sess {
		return
	}
	if err != nil {
		// A failed join is indistinguishable from a dead channel.
		s.logger.Warn("join session failed", "session", sess.app.SessionID, "err", err)
		s.disconnect(true, "join failed")
		return
	}

	sess.media = media
	s.logger.Info("media session attached", "session", sess.app.SessionID)
	s.record("media attached", "session "+sess.app.SessionID)

	attached := func() bool {
		return epoch == s.st.epoch && s.st.session == sess && sess.media == media
	}
	media.OnStatus(func(ms cast.MediaStatus) {
		s.post(func() {
			if attached() {
				s.onMediaStatus(&ms)
			}
		})
	})
	s.spawn(func() {
		ctx, cancel := s.opContext()
		defer cancel()
		ms, err := media.GetStatus(ctx)
		s.post(func() {
			if !attached() {
				return
			}
			if err != nil {
				s.logger.Warn("media status query failed", "err", err)
				return
			}
			s.onMediaStatus(ms)
		})
	})
}

// onMediaStatus maps a media status push onto the casting state. A push
// without a player state carries no casting signal.
func (s *Supervisor) onMediaStatus(ms *cast.MediaStatus) {
	if ms == nil || ms.PlayerState == "" {
		return
	}
	s.setCasting(ms.Active(), "player "+ms.PlayerState)
}

func (s *Supervisor) clearSession(cause string) {
	if s.st.session == nil {
		return
	}
	s.st.session = nil
	s.record(cause, "session cleared")
	s.emit(EventSessionChanged, map[string]any{
		"session_id": "",
		"app_id":     "",
		"app_name":   "",
	})
}
