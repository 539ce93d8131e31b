package finance

// Cost is consumption measured along the capsule budget axes: evaluation
// gas / LLM tokens, mesh credits, and bus messages. The ttl axis is a
// deadline, not a meter, so it has no field here.
type Cost struct {
	Tokens  int64   `json:"tokens,omitempty"`
	Credits Credits `json:"credits,omitempty"`
	Msgs    int64   `json:"msgs,omitempty"`
}

// Add sums two Costs axis-wise with checked arithmetic.
func (c Cost) Add(other Cost) (Cost, error) {
	tokens, err := checkedAdd(c.Tokens, other.Tokens)
	if err != nil {
		return Cost{}, err
	}
	credits, err := c.Credits.Add(other.Credits)
	if err != nil {
		return Cost{}, err
	}
	msgs, err := checkedAdd(c.Msgs, other.Msgs)
	if err != nil {
		return Cost{}, err
	}
	return Cost{Tokens: tokens, Credits: credits, Msgs: msgs}, nil
}
