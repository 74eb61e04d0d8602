package fdl

import (
	"fmt"
	"time"

	"github.com/rob-gra/go-profibus-dp/telegram"
)

// BaudRate is one of the ten standard PROFIBUS transmission speeds.
type BaudRate uint32

// The standard PROFIBUS baud rates, in bit/s.
const (
	Baud9600    BaudRate = 9600
	Baud19200   BaudRate = 19200
	Baud45450   BaudRate = 45450
	Baud93750   BaudRate = 93750
	Baud187500  BaudRate = 187500
	Baud500000  BaudRate = 500000
	Baud1500000 BaudRate = 1500000
	Baud3000000 BaudRate = 3000000
	Baud6000000 BaudRate = 6000000
	Baud12M     BaudRate = 12000000
)

// BitTime returns the duration of one bit period at rate.
func (rate BaudRate) BitTime() time.Duration {
	return time.Second / time.Duration(rate)
}

// Timing holds the protocol timing windows of spec subclause 3/4.2.1,
// expressed in bit-times at the station's configured baud rate.
type Timing struct {
	TSlot uint32 // response wait window
	TQui  uint32 // minimum delay before this station may transmit
	TSet  uint32 // local processing delay before responding
	TID1  uint32 // idle time between unrelated telegrams
	TID2  uint32 // idle time after a loss event
}

// standardTiming maps each baud rate to the EN 50170 table default
// timing, in bit-times. These are convenience defaults only: Config
// always accepts caller overrides (spec subclause 9, open question a).
var standardTiming = map[BaudRate]Timing{
	Baud9600:    {TSlot: 100, TQui: 0, TSet: 1, TID1: 57, TID2: 212},
	Baud19200:   {TSlot: 100, TQui: 0, TSet: 1, TID1: 57, TID2: 212},
	Baud45450:   {TSlot: 150, TQui: 0, TSet: 1, TID1: 57, TID2: 212},
	Baud93750:   {TSlot: 150, TQui: 0, TSet: 1, TID1: 57, TID2: 212},
	Baud187500:  {TSlot: 150, TQui: 0, TSet: 1, TID1: 57, TID2: 212},
	Baud500000:  {TSlot: 150, TQui: 0, TSet: 1, TID1: 57, TID2: 212},
	Baud1500000: {TSlot: 250, TQui: 0, TSet: 4, TID1: 57, TID2: 212},
	Baud3000000: {TSlot: 450, TQui: 1, TSet: 8, TID1: 114, TID2: 424},
	Baud6000000: {TSlot: 800, TQui: 1, TSet: 16, TID1: 228, TID2: 848},
	Baud12M:     {TSlot: 1600, TQui: 3, TSet: 32, TID1: 456, TID2: 1696},
}

// StandardTiming returns the EN 50170 table default Timing for rate,
// or false if rate is not one of the ten standard speeds.
func StandardTiming(rate BaudRate) (Timing, bool) {
	t, ok := standardTiming[rate]
	return t, ok
}

// Config is the station configuration for an FDL instance. Config.Valid
// fills zero fields from StandardTiming(BaudRate) and range-checks the
// rest, the same split the teacher's cs104.Config/DefaultConfig()
// perform for connection timing.
type Config struct {
	// Address is this station's own address. Must be in [0,125].
	Address telegram.Address
	// HSA is the Highest Station Address participating in the ring.
	// Must be >= Address and <= telegram.MaxStationAddress.
	HSA telegram.Address
	// Baud is the transmission speed; selects the StandardTiming
	// defaults for any zero field below.
	Baud BaudRate

	Timing

	// TTR is the target token rotation time, in bit-times.
	TTR uint32
	// MaxRetryLimit bounds retries of a single outstanding transaction
	// (spec subclause 4.2, AwaitResponse). Default 1.
	MaxRetryLimit int
}

// ErrConfig reports an invalid Config. It is the spec's synchronous
// ConfigError, returned only from constructors, never from Poll.
type ErrConfig struct {
	Reason string
}

func (e *ErrConfig) Error() string {
	return fmt.Sprintf("fdl: invalid configuration: %s", e.Reason)
}

// Valid fills zero-valued fields with their EN 50170 defaults for
// Baud and range-checks the result, returning *ErrConfig on failure.
func (c *Config) Valid() error {
	if !c.Address.Valid() {
		return &ErrConfig{Reason: fmt.Sprintf("station address %d out of [0,%d]", c.Address, telegram.MaxStationAddress)}
	}
	if c.HSA == 0 {
		c.HSA = telegram.MaxStationAddress
	}
	if !c.HSA.Valid() {
		return &ErrConfig{Reason: fmt.Sprintf("HSA %d out of [0,%d]", c.HSA, telegram.MaxStationAddress)}
	}
	if c.Address > c.HSA {
		return &ErrConfig{Reason: fmt.Sprintf("station address %d exceeds HSA %d", c.Address, c.HSA)}
	}
	if c.Baud == 0 {
		c.Baud = Baud500000
	}
	def, ok := StandardTiming(c.Baud)
	if !ok {
		return &ErrConfig{Reason: fmt.Sprintf("baud rate %d is not a standard PROFIBUS speed", c.Baud)}
	}
	if c.TSlot == 0 {
		c.TSlot = def.TSlot
	}
	if c.TQui == 0 {
		c.TQui = def.TQui
	}
	if c.TSet == 0 {
		c.TSet = def.TSet
	}
	if c.TID1 == 0 {
		c.TID1 = def.TID1
	}
	if c.TID2 == 0 {
		c.TID2 = def.TID2
	}
	if c.TID2 <= c.TID1 {
		return &ErrConfig{Reason: "TID2 must be greater than TID1"}
	}
	if c.TTR == 0 {
		c.TTR = 20000
	}
	if c.MaxRetryLimit == 0 {
		c.MaxRetryLimit = 1
	}
	if c.MaxRetryLimit < 0 {
		return &ErrConfig{Reason: "MaxRetryLimit must not be negative"}
	}
	return nil
}
