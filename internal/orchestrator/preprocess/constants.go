package preprocess

// Float32ByteSize is the wire size of one tensor element.
const Float32ByteSize = 4
