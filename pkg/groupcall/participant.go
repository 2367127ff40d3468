package groupcall

// Provenance tells a merge where an incoming participant update comes from.
// The zero value is a plain server push; completions of local requests
// carry the kind and generation of the request they answer.
type Provenance struct {
	Kind       OpKind
	Generation Generation
}

func (p Provenance) generationFor(kind OpKind) Generation {
	if p.Generation != 0 && p.Kind == kind {
		return p.Generation
	}
	return 0
}

type pendingMute struct {
	generation Generation
	state      MuteState
}

type pendingVolume struct {
	generation Generation
	level      int32
}

type pendingHand struct {
	generation Generation
	raised     bool
	at         int64
}

// participantRecord keeps the server's view of a participant and the local
// mutations still waiting for a server answer.
type participantRecord struct {
	server Participant
	mute   *pendingMute
	volume *pendingVolume
	hand   *pendingHand
	order  OrderKey
}

func newParticipantRecord(p Participant) *participantRecord {
	p.Left = false
	if p.VolumeLevel == 0 {
		p.VolumeLevel = DefaultVolumeLevel
	}
	if !p.IsHandRaised {
		p.HandRaisedAt = 0
	}
	return &participantRecord{server: p}
}

// effective returns the server values overlaid with pending local mutations.
func (r *participantRecord) effective() Participant {
	p := r.server
	if r.mute != nil {
		p.IsSelfMuted = r.mute.state.SelfMuted
		p.IsMutedByAdmin = r.mute.state.MutedByAdmin
		p.CanSelfUnmute = r.mute.state.CanSelfUnmute
	}
	if r.volume != nil {
		p.VolumeLevel = r.volume.level
	}
	if r.hand != nil {
		p.IsHandRaised = r.hand.raised
		p.HandRaisedAt = r.hand.at
	}
	return p
}

func (r *participantRecord) view() ParticipantView {
	return ParticipantView{Participant: r.effective(), Order: r.order}
}

// merge folds a server update into the record. Pending mutations survive
// unless the update answers a request at least as fresh as them.
func (r *participantRecord) merge(upd Participant, prov Provenance) {
	old := r.server
	m := upd
	m.Left = false
	if m.AudioSource == 0 {
		m.AudioSource = old.AudioSource
	}
	if m.VolumeLevel == 0 {
		m.VolumeLevel = old.VolumeLevel
	}
	if m.JoinedAt == 0 {
		m.JoinedAt = old.JoinedAt
	}
	if m.LastSpokeAt < old.LastSpokeAt {
		m.LastSpokeAt = old.LastSpokeAt
	}
	// speaking is only cleared locally, by the detector or by expiry
	m.IsSpeaking = old.IsSpeaking || upd.IsSpeaking
	if !m.IsHandRaised {
		m.HandRaisedAt = 0
	} else if m.HandRaisedAt == 0 {
		m.HandRaisedAt = old.HandRaisedAt
	}
	r.server = m

	if r.mute != nil && r.mute.generation <= prov.generationFor(OpMute) {
		r.mute = nil
	}
	if r.volume != nil && r.volume.generation <= prov.generationFor(OpVolume) {
		r.volume = nil
	}
	if r.hand != nil && r.hand.generation <= prov.generationFor(OpHandRaise) {
		r.hand = nil
	}
}

// finish ends the pending mutation of kind if it still carries gen. On
// commit its values become the server values.
func (r *participantRecord) finish(kind OpKind, gen Generation, commit bool) bool {
	switch kind {
	case OpMute:
		if r.mute == nil || r.mute.generation != gen {
			return false
		}
		if commit {
			r.server.IsSelfMuted = r.mute.state.SelfMuted
			r.server.IsMutedByAdmin = r.mute.state.MutedByAdmin
			r.server.CanSelfUnmute = r.mute.state.CanSelfUnmute
		}
		r.mute = nil
	case OpVolume:
		if r.volume == nil || r.volume.generation != gen {
			return false
		}
		if commit {
			r.server.VolumeLevel = r.volume.level
		}
		r.volume = nil
	case OpHandRaise:
		if r.hand == nil || r.hand.generation != gen {
			return false
		}
		if commit {
			r.server.IsHandRaised = r.hand.raised
			r.server.HandRaisedAt = r.hand.at
		}
		r.hand = nil
	default:
		return false
	}
	return true
}
