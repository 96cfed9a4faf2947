package topology

import (
	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// schemaSource constrains CUE topology files before they are decoded. The
// definitions are closed, so misspelled fields are rejected.
const schemaSource = `
#Task: {
	name:       string & !=""
	instances?: int & >=1
	command?:   string
}

#Topology: {
	name:  string & !=""
	tasks: [...#Task] & [_, ...]
}
`

// compileCUE compiles a CUE topology and unifies it with #Topology. Both
// values must come from the same context to be unified.
func compileCUE(path string, data []byte) (cue.Value, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaSource).LookupPath(cue.ParsePath("#Topology"))
	if err := schema.Err(); err != nil {
		return cue.Value{}, err
	}

	val := ctx.CompileBytes(data, cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, err
	}

	val = schema.Unify(val)
	if err := val.Validate(cue.Concrete(true)); err != nil {
		return cue.Value{}, err
	}
	return val, nil
}
