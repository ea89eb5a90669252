// Package minio stores tree snapshots in MinIO or any other S3-compatible
// server through the minio-go client.
//
// Store needs no AWS SDK, which suits self-hosted and air-gapped
// deployments (MinIO, Ceph RGW, Garage, SeaweedFS):
//
//	client, err := minio.New("minio.internal:9000", &minio.Options{
//	    Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
//	    Secure: true,
//	})
//	if err != nil {
//	    return err
//	}
//	store := minioblob.NewStore(client, "backups", "trees/orders",
//	    minioblob.WithPartSize(32<<20))
//	m, err := db.Backup(ctx, store)
//
// Reads issue ranged GETs conditioned on the ETag returned by Open, so a
// leaf file replaced while it is being restored fails the restore instead
// of mixing two versions. Create streams a leaf file as a multipart upload;
// the object only appears once Close succeeds.
package minio
