package domain

import (
	_ "embed"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/pkg/errors"
)

const (
	AssemblyPipelineFile     = "pipeline.cue"
	AssemblyPipelineJSONFile = "pipeline.json"
	AssemblyApplicationFile  = "application.json"
)

//go:embed assembly.cue
var assemblySchema string

// Assembly is the synthesized infrastructure description the build stage emits.
type Assembly struct {
	Pipeline    PipelineDefinition
	Application []byte
}

func (self Assembly) ApplicationDigest() string {
	return Digest(self.Application)
}

func ReadAssembly(dir string) (*Assembly, error) {
	assembly := &Assembly{}

	var pipelineFile string
	var pipelineSrc []byte
	for _, name := range []string{AssemblyPipelineFile, AssemblyPipelineJSONFile} {
		path := filepath.Join(dir, name)
		if src, err := os.ReadFile(path); err == nil {
			pipelineFile, pipelineSrc = path, src
			break
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, errors.WithMessagef(err, "Could not read %q", path)
		}
	}
	if pipelineFile == "" {
		return nil, errors.Errorf("Assembly %q contains neither %s nor %s", dir, AssemblyPipelineFile, AssemblyPipelineJSONFile)
	}

	if def, err := DecodePipelineDefinition(pipelineFile, pipelineSrc); err != nil {
		return nil, err
	} else {
		assembly.Pipeline = def
	}

	applicationPath := filepath.Join(dir, AssemblyApplicationFile)
	if application, err := os.ReadFile(applicationPath); err != nil {
		return nil, errors.WithMessagef(err, "Could not read application description of assembly %q", dir)
	} else {
		assembly.Application = application
	}

	return assembly, nil
}

// DecodePipelineDefinition accepts CUE or JSON and checks it against the
// embedded schema before decoding.
func DecodePipelineDefinition(filename string, src []byte) (def PipelineDefinition, err error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(assemblySchema, cue.Filename("assembly.cue"))
	if err = schema.Err(); err != nil {
		return def, errors.WithMessage(err, "Could not compile assembly schema")
	}

	value := ctx.CompileBytes(src, cue.Filename(filename))
	if err = value.Err(); err != nil {
		return def, errors.Errorf("Could not compile %s: %s", filename, cueerrors.Details(err, nil))
	}

	unified := schema.LookupPath(cue.ParsePath("#Pipeline")).Unify(value)
	if err = unified.Validate(cue.Concrete(true)); err != nil {
		return def, errors.Errorf("Pipeline definition in %s does not match schema: %s", filename, cueerrors.Details(err, nil))
	}

	if err = unified.Decode(&def); err != nil {
		return def, errors.WithMessagef(err, "Could not decode pipeline definition in %s", filename)
	}

	return def, nil
}

// WriteAssembly lays out an assembly the way ReadAssembly expects it.
func WriteAssembly(dir string, pipeline PipelineDefinition, application []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.WithMessagef(err, "Could not create assembly directory %q", dir)
	}

	encoded, err := pipeline.Encode()
	if err != nil {
		return err
	}

	if err := os.WriteFile(filepath.Join(dir, AssemblyPipelineJSONFile), encoded, 0o644); err != nil {
		return errors.WithMessage(err, "Could not write pipeline definition")
	}
	if err := os.WriteFile(filepath.Join(dir, AssemblyApplicationFile), application, 0o644); err != nil {
		return errors.WithMessage(err, "Could not write application description")
	}
	return nil
}
