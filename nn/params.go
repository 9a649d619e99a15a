package nn

// Parameter is a trainable tensor with its accumulated gradient.
type Parameter struct {
	Name  string
	Value *Tensor[float32]
	Grad  *Tensor[float32]
}

// NewParameter wraps value as a trainable parameter with a zero gradient.
func NewParameter(name string, value *Tensor[float32]) *Parameter {
	return &Parameter{
		Name:  name,
		Value: value,
		Grad:  NewTensor[float32](value.Shape...),
	}
}

// ZeroGrad clears the accumulated gradient.
func (p *Parameter) ZeroGrad() {
	p.Grad.Zero()
}

// NumElements returns the number of scalar weights.
func (p *Parameter) NumElements() int {
	return len(p.Value.Data)
}

// accumulate adds g into the gradient buffer.
func (p *Parameter) accumulate(g *Tensor[float32]) {
	AddInPlace(p.Grad, g)
}

// Module is anything that owns trainable parameters.
type Module interface {
	Parameters() []*Parameter
}

// ParamGroup is a named set of parameters handed to an optimizer.
type ParamGroup struct {
	Name   string
	Params []*Parameter
}

// NumElements returns the number of scalar weights in the group.
func (g ParamGroup) NumElements() int {
	n := 0
	for _, p := range g.Params {
		n += p.NumElements()
	}
	return n
}

// CollectParameters concatenates the parameters of several modules.
func CollectParameters(modules ...Module) []*Parameter {
	var params []*Parameter
	for _, m := range modules {
		params = append(params, m.Parameters()...)
	}
	return params
}

// CountParameters returns the number of scalar weights across groups.
func CountParameters(groups []ParamGroup) int {
	n := 0
	for _, g := range groups {
		n += g.NumElements()
	}
	return n
}

// ZeroGrad clears the gradients of every parameter in the groups.
func ZeroGrad(groups []ParamGroup) {
	for _, g := range groups {
		for _, p := range g.Params {
			p.ZeroGrad()
		}
	}
}
