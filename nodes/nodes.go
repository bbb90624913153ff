// Package nodes is the registry of deployed rain gauges, loaded from a YAML file:
//
//	nodes:
//	  - node_id: 2
//	    device_id: waterlogged-garden
//	    dev_eui: 70B3D57ED005A1B2
//	    dev_addr: 260B1234
//	    name: Garden
//	    lat: 42.3355
//	    lng: -71.1685
//	    conversion_factor: 0.0012
//	    weight_range: {min: -500, max: 500}
//	    tags:
//	      site: campus
package nodes

import (
	"io/ioutil"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/waterlogged/waterlogged/payload"
)

// Node is a deployed rain gauge and its calibration overrides.
type Node struct {
	ID       int    `yaml:"node_id" json:"node_id"`
	DeviceID string `yaml:"device_id" json:"device_id,omitempty"`
	DevEUI   string `yaml:"dev_eui" json:"dev_eui,omitempty"`
	DevAddr  string `yaml:"dev_addr" json:"dev_addr,omitempty"`
	Name     string `yaml:"name" json:"name,omitempty"`

	Lat *float64 `yaml:"lat" json:"lat,omitempty"`
	Lng *float64 `yaml:"lng" json:"lng,omitempty"`

	ConversionFactor *float64       `yaml:"conversion_factor" json:"conversion_factor,omitempty"`
	WeightRange      *payload.Range `yaml:"weight_range" json:"weight_range,omitempty"`
	TemperatureRange *payload.Range `yaml:"temperature_range" json:"temperature_range,omitempty"`
	HumidityRange    *payload.Range `yaml:"humidity_range" json:"humidity_range,omitempty"`

	Tags map[string]string `yaml:"tags" json:"tags,omitempty"`
}

// Params merges the node overrides onto the default calibration.
func (n Node) Params() payload.Params {
	p := payload.DefaultParams()
	if n.ID != 0 {
		p.NodeID = n.ID
	}
	if n.ConversionFactor != nil {
		p.ConversionFactor = *n.ConversionFactor
	}
	if n.WeightRange != nil {
		p.Weight = *n.WeightRange
	}
	if n.TemperatureRange != nil {
		p.Temperature = *n.TemperatureRange
	}
	if n.HumidityRange != nil {
		p.Humidity = *n.HumidityRange
	}
	return p
}

// HasLocation reports whether the node position is configured.
func (n Node) HasLocation() bool {
	return n.Lat != nil && n.Lng != nil
}

// Default is the node used for unregistered devices.
func Default() Node {
	return Node{ID: payload.DefaultNodeID, Name: "default"}
}

type file struct {
	Nodes []Node `yaml:"nodes"`
}

// Registry indexes nodes by id and by network identifiers.
// A nil Registry is empty.
type Registry struct {
	nodes    []Node
	byID     map[int]int
	byDevice map[string]int
	byEUI    map[string]int
	byAddr   map[string]int
}

// Load reads a registry from a YAML file.
func Load(path string) (*Registry, error) {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "can't read nodes file")
	}
	return Parse(b)
}

// Parse reads a registry from YAML.
func Parse(b []byte) (*Registry, error) {
	var f file
	if err := yaml.UnmarshalStrict(b, &f); err != nil {
		return nil, errors.Wrap(err, "can't parse nodes file")
	}
	return New(f.Nodes...)
}

// New builds a registry, node ids must be positive and unique.
func New(nodes ...Node) (*Registry, error) {
	r := &Registry{
		byID:     make(map[int]int),
		byDevice: make(map[string]int),
		byEUI:    make(map[string]int),
		byAddr:   make(map[string]int),
	}
	for i, n := range nodes {
		if n.ID <= 0 {
			return nil, errors.Errorf("node %d: node_id must be positive", i)
		}
		if _, ok := r.byID[n.ID]; ok {
			return nil, errors.Errorf("node %d: duplicate node_id", n.ID)
		}
		if err := n.Params().Validate(); err != nil {
			return nil, errors.Wrapf(err, "node %d", n.ID)
		}
		r.nodes = append(r.nodes, n)
		r.byID[n.ID] = i
		if n.DeviceID != "" {
			r.byDevice[n.DeviceID] = i
		}
		if n.DevEUI != "" {
			r.byEUI[strings.ToUpper(n.DevEUI)] = i
		}
		if n.DevAddr != "" {
			r.byAddr[strings.ToUpper(n.DevAddr)] = i
		}
	}
	return r, nil
}

// Get returns the node with id.
func (r *Registry) Get(id int) (Node, bool) {
	if r == nil {
		return Node{}, false
	}
	i, ok := r.byID[id]
	if !ok {
		return Node{}, false
	}
	return r.nodes[i], true
}

// Lookup finds a node by TTN device id first, then by DevEUI.
func (r *Registry) Lookup(deviceID, devEUI string) (Node, bool) {
	if r == nil {
		return Node{}, false
	}
	if i, ok := r.byDevice[deviceID]; ok && deviceID != "" {
		return r.nodes[i], true
	}
	if i, ok := r.byEUI[strings.ToUpper(devEUI)]; ok && devEUI != "" {
		return r.nodes[i], true
	}
	return Node{}, false
}

// LookupDevAddr finds a node by its hex DevAddr.
func (r *Registry) LookupDevAddr(addr string) (Node, bool) {
	if r == nil || addr == "" {
		return Node{}, false
	}
	i, ok := r.byAddr[strings.ToUpper(addr)]
	if !ok {
		return Node{}, false
	}
	return r.nodes[i], true
}

// All returns every registered node in file order.
func (r *Registry) All() []Node {
	if r == nil {
		return nil
	}
	res := make([]Node, len(r.nodes))
	copy(res, r.nodes)
	return res
}
