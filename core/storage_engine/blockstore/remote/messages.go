package remote

import (
	"github.com/sushant-115/geoindex/core/storage_engine/blockstore"
)

const serviceName = "geoindex.BlockStore"

const (
	methodStoreMaster = "StoreMasterHeader"
	methodLoadMaster  = "LoadMasterHeader"
	methodStoreNew    = "StoreNewBlock"
	methodStore       = "StoreBlock"
	methodLoad        = "LoadBlock"
	methodCount       = "GetBlockDataCount"
	methodStoreHeader = "StoreHeader"
	methodLoadHeader  = "LoadHeader"
	methodDestroy     = "DestroyBlock"
)

func fullMethod(m string) string { return "/" + serviceName + "/" + m }

type empty struct{}

type masterMsg struct {
	Header blockstore.MasterHeader `msgpack:"header"`
}

type storeNewRequest[T any] struct {
	Token string `msgpack:"token"`
	Items []T    `msgpack:"items"`
}

type storeRequest[T any] struct {
	ID    blockstore.BlockID `msgpack:"id"`
	Items []T                `msgpack:"items"`
}

type blockIDMsg struct {
	ID blockstore.BlockID `msgpack:"id"`
}

type loadRequest struct {
	ID       blockstore.BlockID `msgpack:"id"`
	MaxItems int                `msgpack:"max_items"`
}

type itemsReply[T any] struct {
	Items []T `msgpack:"items"`
}

type countReply struct {
	Count int `msgpack:"count"`
}

type headerMsg struct {
	ID     blockstore.BlockID    `msgpack:"id"`
	Header blockstore.NodeHeader `msgpack:"header"`
}

type destroyReply struct {
	Removed bool `msgpack:"removed"`
}
