package types

import (
	"fmt"

	"github.com/smnsjas/psrpcore-go/objects"
)

// registerWellKnown pre-populates a Registry with the handful of complex
// .NET types this library round-trips as concrete Go structs rather than
// generic objects: credentials and script blocks, plus SecureString
// registered without rehydration. This mirrors what the teacher's serialization package used
// to do implicitly (it always produced these concrete types); making it an
// explicit, injectable registration means a caller can opt out per type by
// building their own Registry instead of calling Default().
func registerWellKnown(r *Registry) {
	r.Register([]string{"System.Management.Automation.PSCredential"}, func(_ []string, _ string, props map[string]interface{}) (interface{}, error) {
		user, _ := props["UserName"].(string)
		pw, _ := props["Password"].(*objects.SecureString)
		return objects.NewPSCredential(user, pw), nil
	}, true)

	r.Register([]string{"System.Security.SecureString"}, func(_ []string, _ string, _ map[string]interface{}) (interface{}, error) {
		return nil, fmt.Errorf("secure string must be resolved by the codec, not the type registry")
	}, false)

	r.Register([]string{"System.Management.Automation.ScriptBlock"}, func(_ []string, toString string, _ map[string]interface{}) (interface{}, error) {
		return &objects.ScriptBlock{Text: toString}, nil
	}, true)
}
