package memgraph

import "github.com/hashicorp/go-memdb"

const (
	nodeTable = "node"
	edgeTable = "edge"

	idIndex   = "id"
	fromIndex = "from"
	toIndex   = "to"
)

func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			nodeTable: {
				Name: nodeTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
				},
			},
			edgeTable: {
				Name: edgeTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					fromIndex: {
						Name:    fromIndex,
						Indexer: &memdb.StringFieldIndex{Field: "FromID"},
					},
					toIndex: {
						Name:    toIndex,
						Indexer: &memdb.StringFieldIndex{Field: "ToID"},
					},
				},
			},
		},
	}
}
