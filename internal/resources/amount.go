package resources

// Amount is a vector over the tracked dimensions. Time is wall-clock
// milliseconds and Memory is bytes.
type Amount struct {
	Credits  int64 `json:"credits" yaml:"credits"`
	Time     int64 `json:"time" yaml:"time"`
	Memory   int64 `json:"memory" yaml:"memory"`
	Tokens   int64 `json:"tokens" yaml:"tokens"`
	APICalls int64 `json:"apiCalls" yaml:"api_calls"`
}

// Dimension names as they appear in events and errors.
const (
	DimCredits  = "credits"
	DimTime     = "time"
	DimMemory   = "memory"
	DimTokens   = "tokens"
	DimAPICalls = "apiCalls"
)

var dimensions = [5]string{DimCredits, DimTime, DimMemory, DimTokens, DimAPICalls}

func (a Amount) vec() [5]int64 {
	return [5]int64{a.Credits, a.Time, a.Memory, a.Tokens, a.APICalls}
}

func fromVec(v [5]int64) Amount {
	return Amount{Credits: v[0], Time: v[1], Memory: v[2], Tokens: v[3], APICalls: v[4]}
}

func (a Amount) Add(b Amount) Amount {
	av, bv := a.vec(), b.vec()
	for i := range av {
		av[i] += bv[i]
	}
	return fromVec(av)
}

func (a Amount) Sub(b Amount) Amount {
	av, bv := a.vec(), b.vec()
	for i := range av {
		av[i] -= bv[i]
	}
	return fromVec(av)
}

// Min returns the per-dimension minimum.
func (a Amount) Min(b Amount) Amount {
	av, bv := a.vec(), b.vec()
	for i := range av {
		if bv[i] < av[i] {
			av[i] = bv[i]
		}
	}
	return fromVec(av)
}

func (a Amount) IsZero() bool { return a == Amount{} }

// Exceeds returns the dimensions where a is above limit, in a fixed order.
func (a Amount) Exceeds(limit Amount) []string {
	av, lv := a.vec(), limit.vec()
	var out []string
	for i := range av {
		if av[i] > lv[i] {
			out = append(out, dimensions[i])
		}
	}
	return out
}

func (a Amount) negative() bool {
	for _, v := range a.vec() {
		if v < 0 {
			return true
		}
	}
	return false
}

// Map renders the amount for event payloads.
func (a Amount) Map() map[string]any {
	v := a.vec()
	out := make(map[string]any, len(v))
	for i, name := range dimensions {
		out[name] = v[i]
	}
	return out
}

// Snapshot is a point-in-time view of one scope. For every dimension
// Consumed + Remaining + ReservedByChildren == Allocated.
type Snapshot struct {
	Allocated          Amount `json:"allocated"`
	Consumed           Amount `json:"consumed"`
	Remaining          Amount `json:"remaining"`
	ReservedByChildren Amount `json:"reservedByChildren"`
}

func (s Snapshot) Map() map[string]any {
	return map[string]any{
		"allocated":          s.Allocated.Map(),
		"consumed":           s.Consumed.Map(),
		"remaining":          s.Remaining.Map(),
		"reservedByChildren": s.ReservedByChildren.Map(),
	}
}
