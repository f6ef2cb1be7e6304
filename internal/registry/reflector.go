package registry

// Reflector implements the derived-stream algorithm of section 4.4: it
// turns a raw event stream (which may re-issue Init on reconnection) into
// a clean stream of Apply/Delete/Ready events, suppressing Applies whose
// resource version hasn't changed and synthesizing Deletes for anything
// missing from a completed Init snapshot.
type Reflector struct {
	versions    map[ResourceRef]string
	initPresent map[ResourceRef]bool
	inInit      bool
}

// NewReflector returns a Reflector with no prior state.
func NewReflector() *Reflector {
	return &Reflector{
		versions: make(map[ResourceRef]string),
	}
}

// Feed processes one raw input event and returns zero or more derived
// events to emit, in order.
func (r *Reflector) Feed(ev ResourceEvent) []ResourceEvent {
	switch ev.Kind {
	case Init:
		r.inInit = true
		r.initPresent = make(map[ResourceRef]bool)
		return nil

	case InitApply:
		ref := ev.Resource.Ref
		r.initPresent[ref] = true
		prev, existed := r.versions[ref]
		if existed && prev == ev.Resource.ResourceVersion {
			return nil
		}
		r.versions[ref] = ev.Resource.ResourceVersion
		return []ResourceEvent{{Kind: Apply, Resource: ev.Resource}}

	case InitDone:
		var out []ResourceEvent
		for ref := range r.versions {
			if !r.initPresent[ref] {
				delete(r.versions, ref)
				out = append(out, ResourceEvent{Kind: Delete, Ref: ref})
			}
		}
		r.initPresent = nil
		r.inInit = false
		out = append(out, ResourceEvent{Kind: Ready})
		return out

	case Apply:
		ref := ev.Resource.Ref
		prev, existed := r.versions[ref]
		if existed && prev == ev.Resource.ResourceVersion {
			return nil
		}
		r.versions[ref] = ev.Resource.ResourceVersion
		return []ResourceEvent{{Kind: Apply, Resource: ev.Resource}}

	case Delete:
		delete(r.versions, ev.Ref)
		return []ResourceEvent{{Kind: Delete, Ref: ev.Ref}}

	default:
		return nil
	}
}
