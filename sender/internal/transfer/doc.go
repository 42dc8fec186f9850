// Package transfer copies single files to the remote host over SFTP.
//
// Every Copy opens a fresh SSH connection, streams the file to a ".part"
// sibling of the destination, renames it into place with the
// posix-rename@openssh.com extension and closes the connection. Remote
// directories are created on demand.
//
// Host keys are not verified: the client accepts whatever key the server
// presents. Authentication uses the configured password, private key file,
// or both.
//
// Errors come in two kinds. *ConnectionError covers dialing, the SSH
// handshake, the SFTP session and every remote write. *LocalError covers
// opening and reading the local file. IsConnection and IsLocal classify an
// error chain.
//
// The dialFn field is injectable for testing (sftp.NewServer over a pipe).
package transfer
