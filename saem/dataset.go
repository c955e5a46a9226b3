package saem

import (
	"fmt"
	"sort"

	"github.com/kshedden/dstream/dstream"
)

// DataLayout holds the observation arrays of one population copy in the form
// consumed by Config: observations in input order, the subject and endpoint
// of each observation, the endpoint-sorted permutation and the endpoint
// boundaries within it.
type DataLayout struct {
	Y          []float64
	ObsSubject []int
	IxEndpnt   []int
	IxSorting  []int
	YOffset    []int

	// N is the number of distinct subjects, Ntotal the number of
	// observations, NumEndpoint the number of distinct endpoints.
	N           int
	Ntotal      int
	NumEndpoint int
}

// NewDataLayout builds a DataLayout from a column stream.  idVar identifies
// the subject of each row, yVar the observed value, and endpointVar the
// endpoint index; all three must be float64 columns.  Subjects are numbered
// in order of first appearance; endpoint values must already be integers in
// [0, numEndpoint).  The variables must be present or NewDataLayout panics.
func NewDataLayout(data dstream.Dstream, idVar, yVar, endpointVar string) *DataLayout {

	idpos, ypos, eppos := -1, -1, -1
	for k, na := range data.Names() {
		switch na {
		case idVar:
			idpos = k
		case yVar:
			ypos = k
		case endpointVar:
			eppos = k
		}
	}
	if idpos == -1 {
		panic(fmt.Sprintf("saem: id variable %q not found", idVar))
	}
	if ypos == -1 {
		panic(fmt.Sprintf("saem: observation variable %q not found", yVar))
	}
	if eppos == -1 {
		panic(fmt.Sprintf("saem: endpoint variable %q not found", endpointVar))
	}

	dl := &DataLayout{}
	subj := make(map[float64]int)

	data.Reset()
	for data.Next() {
		id := data.GetPos(idpos).([]float64)
		y := data.GetPos(ypos).([]float64)
		ep := data.GetPos(eppos).([]float64)

		for i := range y {
			s, ok := subj[id[i]]
			if !ok {
				s = len(subj)
				subj[id[i]] = s
			}
			e := int(ep[i])
			if e < 0 || float64(e) != ep[i] {
				panic(fmt.Sprintf("saem: endpoint value %v is not a non-negative integer", ep[i]))
			}
			if e+1 > dl.NumEndpoint {
				dl.NumEndpoint = e + 1
			}
			dl.Y = append(dl.Y, y[i])
			dl.ObsSubject = append(dl.ObsSubject, s)
			dl.IxEndpnt = append(dl.IxEndpnt, e)
		}
	}

	dl.N = len(subj)
	dl.Ntotal = len(dl.Y)

	dl.IxSorting = make([]int, dl.Ntotal)
	for i := range dl.IxSorting {
		dl.IxSorting[i] = i
	}
	sort.SliceStable(dl.IxSorting, func(i, j int) bool {
		return dl.IxEndpnt[dl.IxSorting[i]] < dl.IxEndpnt[dl.IxSorting[j]]
	})

	dl.YOffset = make([]int, dl.NumEndpoint+1)
	for _, e := range dl.IxEndpnt {
		dl.YOffset[e+1]++
	}
	for b := 0; b < dl.NumEndpoint; b++ {
		dl.YOffset[b+1] += dl.YOffset[b]
	}

	return dl
}

// Apply copies the layout into a configuration.
func (dl *DataLayout) Apply(c *Config) {
	c.N = dl.N
	c.Ntotal = dl.Ntotal
	c.Y = dl.Y
	c.ObsSubject = dl.ObsSubject
	c.IxEndpnt = dl.IxEndpnt
	c.IxSorting = dl.IxSorting
	c.YOffset = dl.YOffset
}
