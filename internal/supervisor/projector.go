package supervisor

// setCasting applies a casting transition and drives both presentations.
// Unchanged values are dropped without logging or scheduling.
func (s *Supervisor) setCasting(on bool, cause string) {
	if s.st.casting == on {
		return
	}
	s.st.casting = on
	s.logger.Info("casting state changed", "casting", on, "cause", cause)
	s.record(cause, "casting "+onOff(on))
	s.emit(EventCastingChanged, map[string]any{"casting": on, "cause": cause})

	s.emit(EventSwitchState, map[string]any{"on": on})

	if !on && s.cfg.SwitchOffDelay > 0 {
		s.motionOff.Schedule(s.cfg.SwitchOffDelay, func() { s.setMotion(false) })
		return
	}
	s.motionOff.Cancel()
	s.setMotion(on)
}

func (s *Supervisor) setMotion(detected bool) {
	s.st.motion = detected
	s.emit(EventMotionState, map[string]any{"motion": detected})
}

// requestCasting is the accessory-facing casting toggle.
func (s *Supervisor) requestCasting(on bool) {
	prev := s.st.casting
	s.setCasting(on, "accessory")
	if prev == on || s.st.session == nil || s.st.session.media == nil {
		return
	}

	media := s.st.session.media
	s.spawn(func() {
		ctx, cancel := s.opContext()
		defer cancel()
		var err error
		if on {
			err = media.Play(ctx)
		} else {
			err = media.Pause(ctx)
		}
		if err != nil {
			s.logger.Warn("playback command failed", "play", on, "err", err)
		}
	})
}

// requestVolume is the accessory-facing volume control.
func (s *Supervisor) requestVolume(volume int) {
	client := s.st.client
	if client == nil || s.st.conn != Connected {
		s.logger.Debug("volume request ignored, not connected", "volume", volume)
		return
	}
	level := float64(clampPercent(volume)) / 100
	s.spawn(func() {
		ctx, cancel := s.opContext()
		defer cancel()
		if err := client.SetVolume(ctx, level); err != nil {
			s.logger.Warn("set volume failed", "volume", volume, "err", err)
		}
	})
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
