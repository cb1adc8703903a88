package vbm

import (
	"log/slog"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/geobuffer/memutils"
)

// bufferPool is the arena of backing buffers for one mutability class. A buffer's arena index
// never changes while it is alive, so descriptors can name their buffer with a plain integer
// even when the native handle behind it is replaced by a resize.
type bufferPool struct {
	logger *slog.Logger
	device Device

	dynamic         bool
	elementSize     int
	initialCapacity int
	maxElements     int
	maxBuffers      int

	descriptions []*BufferDescription
	slots        slotAllocator
}

func (p *bufferPool) name() string {
	if p.dynamic {
		return "dynamic"
	}
	return "static"
}

func (p *bufferPool) description(index int) (*BufferDescription, error) {
	if index < 0 || index >= len(p.descriptions) {
		return nil, errors.Wrapf(ErrAddressingInconsistency, "%s pool has no buffer %d (%d buffers)", p.name(), index, len(p.descriptions))
	}
	return p.descriptions[index], nil
}

func (p *bufferPool) bufferCount() int {
	return len(p.descriptions)
}

func (p *bufferPool) openBuffer(capacity int) (*BufferDescription, error) {
	if p.maxBuffers > 0 && len(p.descriptions) >= p.maxBuffers {
		return nil, errors.Wrapf(ErrCapacityExhausted, "%s pool already has the maximum of %d backing buffers", p.name(), p.maxBuffers)
	}

	p.logger.Debug("BufferManager::OpenBuffer",
		slog.String("pool", p.name()),
		slog.Int("index", len(p.descriptions)),
		slog.Int("capacity", capacity),
	)

	description, err := newBufferDescription(
		p.logger,
		p.device,
		&p.slots,
		len(p.descriptions),
		p.dynamic,
		p.elementSize,
		capacity,
		p.initialCapacity,
		p.maxElements,
	)
	if err != nil {
		return nil, err
	}

	p.descriptions = append(p.descriptions, description)
	return description, nil
}

// place selects the backing buffer that will receive a descriptor of count elements: the newest
// buffer with room at its tail, else the newest buffer grown to fit, else a new buffer.
func (p *bufferPool) place(count int) (*BufferDescription, error) {
	if p.maxElements > 0 && count > p.maxElements {
		return nil, errors.Wrapf(ErrCapacityExhausted, "%d elements will never fit in a %s buffer of at most %d elements", count, p.name(), p.maxElements)
	}

	for index := len(p.descriptions) - 1; index >= 0; index-- {
		if p.descriptions[index].FreeElements() >= count {
			return p.descriptions[index], nil
		}
	}

	if len(p.descriptions) > 0 {
		newest := p.descriptions[len(p.descriptions)-1]
		required := newest.Used() + count

		if p.maxElements == 0 || required <= p.maxElements {
			err := newest.Grow(required)
			if err != nil {
				return nil, err
			}
			return newest, nil
		}
	}

	return p.openBuffer(max(p.initialCapacity, count))
}

// trim destroys empty buffers at the end of the arena and shrinks the rest
func (p *bufferPool) trim() error {
	var err error
	for len(p.descriptions) > 0 {
		last := p.descriptions[len(p.descriptions)-1]
		if !last.IsEmpty() {
			break
		}

		err = errors.CombineErrors(err, last.destroy())
		p.descriptions = p.descriptions[:len(p.descriptions)-1]
	}

	for _, description := range p.descriptions {
		err = errors.CombineErrors(err, description.Shrink())
	}

	return err
}

func (p *bufferPool) destroy() error {
	var err error
	for _, description := range p.descriptions {
		err = errors.CombineErrors(err, description.destroy())
	}
	p.descriptions = nil
	p.slots = slotAllocator{}
	return err
}

func (p *bufferPool) addDetailedStatistics(stats *memutils.DetailedStatistics) {
	for _, description := range p.descriptions {
		description.metadata.AddDetailedStatistics(stats)
	}
}

func (p *bufferPool) validate() error {
	return memutils.ValidateAll(p.descriptions...)
}

func (p *bufferPool) printJson(json *jwriter.ObjectState, detailed bool) {
	json.Name("SlotsInUse").Int(p.slots.inUse())

	buffers := json.Name("Buffers").Object()
	defer buffers.End()

	for _, description := range p.descriptions {
		obj := buffers.Name(strconv.Itoa(description.index)).Object()
		description.printJson(&obj, detailed)
		obj.End()
	}
}
