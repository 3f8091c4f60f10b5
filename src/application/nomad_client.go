package application

import (
	"io"

	nomad "github.com/hashicorp/nomad/api"
)

type NomadClient interface {
	JobsRegister(job *nomad.Job, q *nomad.WriteOptions) (*nomad.JobRegisterResponse, *nomad.WriteMeta, error)
	JobsDeregister(jobID string, purge bool, q *nomad.WriteOptions) (string, *nomad.WriteMeta, error)
	JobsAllocations(jobID string, q *nomad.QueryOptions) ([]*nomad.AllocationListStub, *nomad.QueryMeta, error)
	AllocationsInfo(allocID string, q *nomad.QueryOptions) (*nomad.Allocation, *nomad.QueryMeta, error)
	AllocFSCat(alloc *nomad.Allocation, path string, q *nomad.QueryOptions) (io.ReadCloser, error)
}

type nomadClient struct {
	nClient *nomad.Client
}

func NewNomadClient(nClient *nomad.Client) NomadClient {
	return &nomadClient{
		nClient: nClient,
	}
}

func (self *nomadClient) JobsRegister(job *nomad.Job, q *nomad.WriteOptions) (*nomad.JobRegisterResponse, *nomad.WriteMeta, error) {
	return self.nClient.Jobs().Register(job, q)
}

func (self *nomadClient) JobsDeregister(jobID string, purge bool, q *nomad.WriteOptions) (string, *nomad.WriteMeta, error) {
	return self.nClient.Jobs().Deregister(jobID, purge, q)
}

func (self *nomadClient) JobsAllocations(jobID string, q *nomad.QueryOptions) ([]*nomad.AllocationListStub, *nomad.QueryMeta, error) {
	return self.nClient.Jobs().Allocations(jobID, true, q)
}

func (self *nomadClient) AllocationsInfo(allocID string, q *nomad.QueryOptions) (*nomad.Allocation, *nomad.QueryMeta, error) {
	return self.nClient.Allocations().Info(allocID, q)
}

func (self *nomadClient) AllocFSCat(alloc *nomad.Allocation, path string, q *nomad.QueryOptions) (io.ReadCloser, error) {
	return self.nClient.AllocFS().Cat(alloc, path, q)
}
