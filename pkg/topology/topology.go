// Package topology loads topology descriptions and derives the agent shape
// they need from the resource manager.
package topology

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/fleetctl/odc/pkg/fault"
)

// DefaultGroupCapacity is the number of slots one agent group may carry.
const DefaultGroupCapacity = 12

// Task is one device task of a topology.
type Task struct {
	// Name identifies the task within the topology.
	Name string `yaml:"name" json:"name" validate:"required"`

	// Instances is how many copies of the task run. Defaults to 1.
	Instances int `yaml:"instances" json:"instances" validate:"min=1"`

	// Command is the executable line the device runtime starts.
	Command string `yaml:"command,omitempty" json:"command,omitempty"`
}

// File is the on-disk form of a topology.
type File struct {
	Name  string `yaml:"name" json:"name" validate:"required"`
	Tasks []Task `yaml:"tasks" json:"tasks" validate:"required,min=1,unique=Name,dive"`
}

// Shape is the agent layout a topology requires.
type Shape struct {
	// Groups is the number of agent instances to submit.
	Groups int `json:"groups"`

	// Slots is the number of task slots per agent instance.
	Slots int `json:"slots"`
}

// Total returns the number of worker slots the shape provides.
func (s Shape) Total() int {
	return s.Groups * s.Slots
}

// String renders the shape as groups x slots.
func (s Shape) String() string {
	return fmt.Sprintf("%dx%d", s.Groups, s.Slots)
}

// ShapeFor spreads n task instances over groups of at most capacity slots,
// keeping the groups as even as possible.
func ShapeFor(n, capacity int) (Shape, error) {
	if capacity <= 0 {
		return Shape{}, fmt.Errorf("group capacity must be positive, got %d", capacity)
	}
	if n <= 0 {
		return Shape{}, fmt.Errorf("topology has no task instances")
	}
	groups := ceilDiv(n, capacity)
	return Shape{Groups: groups, Slots: ceilDiv(n, groups)}, nil
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// Descriptor is a loaded, validated topology. It is immutable.
type Descriptor struct {
	path  string
	file  File
	shape Shape
}

var validate = validator.New()

// Load reads the topology at path and derives its shape with the given group
// capacity. Every failure is a parse fault.
func Load(path string, groupCapacity int) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fault.Parse("failed to read topology", err).WithOp("load")
	}

	f, err := decode(path, data)
	if err != nil {
		return nil, fault.Parse(fmt.Sprintf("failed to decode topology %s", path), err).WithOp("load")
	}

	return build(path, f, groupCapacity)
}

// FromFile builds a descriptor from an already decoded topology.
func FromFile(path string, f File, groupCapacity int) (*Descriptor, error) {
	return build(path, f, groupCapacity)
}

func build(path string, f File, groupCapacity int) (*Descriptor, error) {
	for i := range f.Tasks {
		if f.Tasks[i].Instances == 0 {
			f.Tasks[i].Instances = 1
		}
	}

	if err := validate.Struct(f); err != nil {
		return nil, fault.Parse(fmt.Sprintf("invalid topology %s", path), err).WithOp("load")
	}

	shape, err := ShapeFor(countInstances(f.Tasks), groupCapacity)
	if err != nil {
		return nil, fault.Parse(fmt.Sprintf("invalid topology %s", path), err).WithOp("load")
	}

	return &Descriptor{path: path, file: f, shape: shape}, nil
}

func decode(path string, data []byte) (File, error) {
	var f File
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &f); err != nil {
			return File{}, err
		}
	case ".cue":
		val, err := compileCUE(path, data)
		if err != nil {
			return File{}, err
		}
		if err := val.Decode(&f); err != nil {
			return File{}, err
		}
	default:
		return File{}, fmt.Errorf("unsupported topology format %q", filepath.Ext(path))
	}
	return f, nil
}

func countInstances(tasks []Task) int {
	n := 0
	for _, t := range tasks {
		n += t.Instances
	}
	return n
}

// Path returns the file the descriptor was loaded from.
func (d *Descriptor) Path() string { return d.path }

// Name returns the topology name.
func (d *Descriptor) Name() string { return d.file.Name }

// Shape returns the required agent shape.
func (d *Descriptor) Shape() Shape { return d.shape }

// TotalRequired returns the number of agents that must be active before the
// topology can be activated.
func (d *Descriptor) TotalRequired() int { return d.shape.Total() }

// Instances returns the number of task instances in the topology.
func (d *Descriptor) Instances() int { return countInstances(d.file.Tasks) }

// Tasks returns a copy of the topology tasks.
func (d *Descriptor) Tasks() []Task {
	out := make([]Task, len(d.file.Tasks))
	copy(out, d.file.Tasks)
	return out
}
