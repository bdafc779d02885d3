package netbuild

import "fmt"

// Role names what a registered layer does inside its module.
type Role uint8

const (
	RoleStem Role = iota
	RoleBottleneck
	RoleConv
	RoleNorm
	RoleTransition
	RoleAttention
	RoleOutput
	RoleRelationG
	RoleRelationPost
	RoleRelationOut
	RoleRelational
	RoleSupportSet
	RoleTargetSet
	RoleSupportItems
	RoleTargetItems
	RolePredictions
	RoleFeatures
	RoleProcessing
	RoleDilatedConv
	RoleLinear
	RoleExtractor
	RoleLinearPreds
	RoleBias
)

var roleNames = [...]string{
	RoleStem:         "stem_conv",
	RoleBottleneck:   "conv_bottleneck",
	RoleConv:         "conv",
	RoleNorm:         "norm_layer",
	RoleTransition:   "transition_layer",
	RoleAttention:    "channel_wise_attention_output_fcc",
	RoleOutput:       "output_layer",
	RoleRelationG:    "g_fcc",
	RoleRelationPost: "post_processing_layer",
	RoleRelationOut:  "relation_output_layer",
	RoleRelational:   "relational_net",
	RoleSupportSet:   "batch_support_network",
	RoleTargetSet:    "batch_target_network",
	RoleSupportItems: "item_support_network",
	RoleTargetItems:  "item_target_network",
	RolePredictions:  "pred_relational_network",
	RoleFeatures:     "feature_relational_network",
	RoleProcessing:   "processing_layer",
	RoleDilatedConv:  "dilated_conv1d",
	RoleLinear:       "linear",
	RoleExtractor:    "dense_net_features",
	RoleLinearPreds:  "linear_preds",
	RoleBias:         "bias_params",
}

func (r Role) String() string {
	if int(r) < len(roleNames) && roleNames[r] != "" {
		return roleNames[r]
	}
	return fmt.Sprintf("role(%d)", uint8(r))
}

// Key addresses one layer in a module's registry. Keys are compared by value,
// so two modules traced the same way produce identical key sequences.
type Key struct {
	Role  Role
	Stage int
	Block int
}

// Named returns a key for a layer that appears once per module.
func Named(r Role) Key { return Key{Role: r, Stage: -1, Block: -1} }

// Indexed returns a key for a layer repeated per index (e.g. a linear stack).
func Indexed(r Role, i int) Key { return Key{Role: r, Stage: i, Block: -1} }

// At returns a key for a layer inside stage i, block j.
func At(r Role, i, j int) Key { return Key{Role: r, Stage: i, Block: j} }

func (k Key) String() string {
	switch {
	case k.Stage < 0:
		return k.Role.String()
	case k.Block < 0:
		return fmt.Sprintf("%s_%d", k.Role, k.Stage)
	default:
		return fmt.Sprintf("%s_%d_%d", k.Role, k.Stage, k.Block)
	}
}
