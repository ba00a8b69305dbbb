// Package lab defines the value types shared by the labforge core: node
// specifications, node states, and the lab naming scheme that maps logical
// node names onto backend-visible identifiers.
package lab

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// NodeType identifies the kind of compute unit a node is realized as.
type NodeType string

const (
	// NodeTypeContainer is a system container.
	NodeTypeContainer NodeType = "container"

	// NodeTypeVM is a full virtual machine.
	NodeTypeVM NodeType = "vm"

	// NodeTypeOCI is an OCI application instance.
	NodeTypeOCI NodeType = "oci"
)

// NodeState is the observed lifecycle state of a node.
type NodeState string

const (
	// StateRunning means the node is up.
	StateRunning NodeState = "Running"

	// StateStopped means the node exists but is not running.
	StateStopped NodeState = "Stopped"

	// StatePaused means the node is frozen by the backend.
	StatePaused NodeState = "Paused"

	// StateUnknown means the backend has no record of the node: never
	// created, or already fully removed. Distinct from Stopped.
	StateUnknown NodeState = "Unknown"
)

// NodeSpec is an immutable description of a desired node. It is pure data:
// construct it once with NewNodeSpec and hand it to a backend Provision call.
type NodeSpec struct {
	// Name is the logical node name, unique within a lab.
	Name string `json:"name" validate:"required"`

	// Type is the node kind (container, vm, oci).
	Type NodeType `json:"type" validate:"required,oneof=container vm oci"`

	// Image is the base image, or the name of an existing instance to use
	// as a template (backends that support cloning treat it as such).
	Image string `json:"image" validate:"required"`

	// CPUs is the CPU allocation. Must be at least 1.
	CPUs int `json:"cpus" validate:"min=1"`

	// Memory is a size string such as "512MB" or "2GiB".
	Memory string `json:"memory"`

	// Disk is the root disk size string.
	Disk string `json:"disk"`

	// Environment holds environment variables, applied only to
	// container-type nodes.
	Environment map[string]string `json:"environment"`

	// Config is backend-specific passthrough configuration. Keys may be
	// backend-namespaced, e.g. "docker.privileged".
	Config map[string]string `json:"config"`

	// Ports are host:container port mappings, in declaration order.
	Ports []string `json:"ports"`

	// Volumes are mount specs ("source:target"), in declaration order.
	Volumes []string `json:"volumes"`
}

var specValidator = validator.New()

// NewNodeSpec validates and normalizes a node specification. Optional fields
// default to empty containers, never nil, so callers never branch on presence.
func NewNodeSpec(spec NodeSpec) (NodeSpec, error) {
	if spec.CPUs == 0 {
		spec.CPUs = 1
	}
	if spec.Memory == "" {
		spec.Memory = "512MB"
	}
	if spec.Disk == "" {
		spec.Disk = "4GiB"
	}
	if spec.Type == "" {
		spec.Type = NodeTypeContainer
	}

	if err := specValidator.Struct(spec); err != nil {
		return NodeSpec{}, fmt.Errorf("invalid node spec: %w", err)
	}

	if spec.Environment == nil {
		spec.Environment = map[string]string{}
	}
	if spec.Config == nil {
		spec.Config = map[string]string{}
	}
	if spec.Ports == nil {
		spec.Ports = []string{}
	}
	if spec.Volumes == nil {
		spec.Volumes = []string{}
	}

	return spec, nil
}
