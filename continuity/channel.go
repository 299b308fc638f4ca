package continuity

// ChannelHandle is a stable index into a ChannelTable.
type ChannelHandle int

// ChannelTable is an append-only arena of channels. Handles stay valid for the lifetime
// of the table; removed channels are invalidated, never moved.
type ChannelTable struct {
	channels []Channel
	index    map[string]ChannelHandle
}

// NewChannelTable creates an empty table.
func NewChannelTable() *ChannelTable {
	return &ChannelTable{index: make(map[string]ChannelHandle)}
}

// Add inserts ch, or replaces the channel with the same location and name, and returns
// its handle. The stored channel is marked valid.
func (t *ChannelTable) Add(ch Channel) ChannelHandle {
	ch.Valid = true
	key := ch.Key()
	if h, ok := t.index[key]; ok {
		t.channels[h] = ch
		return h
	}
	h := ChannelHandle(len(t.channels))
	t.channels = append(t.channels, ch)
	t.index[key] = h

	return h
}

// Lookup finds a channel by location and name.
func (t *ChannelTable) Lookup(location, name string) (ChannelHandle, bool) {
	h, ok := t.index[channelKey(location, name)]
	return h, ok
}

// Get returns the channel of h for in-place updates.
func (t *ChannelTable) Get(h ChannelHandle) (*Channel, bool) {
	if h < 0 || int(h) >= len(t.channels) {
		return nil, false
	}

	return &t.channels[h], true
}

// Invalidate excludes the channel of h from saving.
func (t *ChannelTable) Invalidate(h ChannelHandle) {
	if ch, ok := t.Get(h); ok {
		ch.Valid = false
	}
}

// Len returns the number of channels, valid or not.
func (t *ChannelTable) Len() int {
	return len(t.channels)
}

// All returns a copy of the valid channels in insertion order.
func (t *ChannelTable) All() []Channel {
	out := make([]Channel, 0, len(t.channels))
	for _, ch := range t.channels {
		if ch.Valid {
			out = append(out, ch)
		}
	}

	return out
}
