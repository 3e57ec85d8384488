// Package layer implements content-addressed storage of filesystem layer
// diffs.
//
// A layer is a tar archive describing a filesystem delta relative to its
// parent: added and modified paths appear as regular entries, removed paths
// as whiteout markers. Layers are stored gzip-compressed on disk, addressed
// by the digest of the compressed bytes, and deduplicated: storing identical
// content twice returns the same digest without writing a second blob.
//
// The store tracks a reference count per layer. Images and containers take
// references on the layers they use; a blob is physically deleted only by
// [Store.GC] once its count has dropped to zero.
//
// Example usage:
//
//	store, err := layer.NewStore(dir)
//	if err != nil {
//	    return err
//	}
//
//	desc, err := store.Put(diffTar)
//	if err != nil {
//	    return err
//	}
//
//	rc, err := store.Open(desc.Digest)
//	if err != nil {
//	    return err
//	}
//	defer rc.Close()
package layer
