/*
Package journal implements an append-only store for structured log
entries. Each entry is a list of NAME=value fields plus a sequence number
and a pair of timestamps. Field values are stored once per file and shared
by all entries carrying them.

Files are memory mapped and written by a single Writer, while any number
of Readers may follow the same file concurrently.
Shared mappings are only available on Linux and Darwin; elsewhere
opening a file fails with ErrUnsupported.

Data Structure Documentation

File

A file starts with a fixed size header followed by a stream of objects.
Objects are 8-byte aligned and only ever appended; all references are
file offsets.

    File layout:
    +--------+-----------------+------------------+----------+-----+----------+
    | header | data hash table | field hash table | object 1 | ... | object n |
    +--------+-----------------+------------------+----------+-----+----------+

    Header (288 bytes, little endian):
    +------------------+------------------+-----------------------+-------+------------------+
    | signature (8)    | compat flags (4) | incompat flags (4)    | state | reserved (7)     |
    +------------------+------------------+-----------------------+-------+------------------+
    | file id (16)     | machine id (16)  | boot id (16)          | seqnum id (16)           |
    +------------------+------------------+-----------------------+--------------------------+
    | header size      | created          | data table offset     | data table size          |
    +------------------+------------------+-----------------------+--------------------------+
    | field table off. | field table size | tail object offset    | number of objects        |
    +------------------+------------------+-----------------------+--------------------------+
    | number of entries| tail seqnum      | head seqnum           | entry array offset       |
    +------------------+------------------+-----------------------+--------------------------+
    | head realtime    | tail realtime    | tail monotonic        | number of data objects   |
    +------------------+------------------+-----------------------+--------------------------+
    | number of fields | number of tags   | number of arrays      | arena size               |
    +------------------+------------------+-----------------------+--------------------------+
    | tail tag offset  | hash seed (32)                                                      |
    +------------------+---------------------------------------------------------------------+

Objects

Every object starts with a common envelope.

    +----------+-----------+--------------+-----------------+
    | type (1) | flags (1) | reserved (6) | object size (8) |
    +----------+-----------+--------------+-----------------+

    Data object:
    +----------+------+-----------+------------+-------------+-------------------+-----------+----------------+
    | envelope | hash | next hash | next field | first entry | entry array chain | n entries | payload (var.) |
    +----------+------+-----------+------------+-------------+-------------------+-----------+----------------+

    Field object:
    +----------+------+-----------+-----------+-------------+
    | envelope | hash | next hash | head data | name (var.) |
    +----------+------+-----------+-----------+-------------+

    Entry object:
    +----------+--------+----------+-----------+--------------+----------+---------------------------+-----+
    | envelope | seqnum | realtime | monotonic | boot id (16) | xor hash | data offset 1 | hash 1    | ... |
    +----------+--------+----------+-----------+--------------+----------+---------------------------+-----+

    Hash table:
    +----------+---------------------------+-----+---------------------------+
    | envelope | head 1 | tail 1           | ... | head n | tail n           |
    +----------+---------------------------+-----+---------------------------+

    Entry array:
    +----------+------------+----------------+-----+----------------+
    | envelope | next array | entry offset 1 | ... | entry offset n |
    +----------+------------+----------------+-----+----------------+

    Tag:
    +----------+--------+-------+----------+
    | envelope | seqnum | epoch | tag (32) |
    +----------+--------+-------+----------+

Indices

Data and field objects are found through their hash tables, keyed with
the per-file hash seed. Every data object with a field name is also
linked into the chain of its field object.

All entries are indexed by a chain of entry arrays rooted in the header.
Each data object roots its own chain of the entries referencing it: the
first entry is stored inline, further ones in entry arrays. Each array is
twice the size of its predecessor. Since entries are only appended, all
chains are sorted and can be bisected.

Publishing

The writer fully writes an object before it stores its offset as the new
tail, and links an entry into all chains before the entry count in the
header is stored. Readers load both atomically and never follow
references beyond them.

Sealing

Sealed files carry tag objects. A tag holds a keyed digest over the
immutable parts of all objects since the previous tag, computed with the
key of its epoch. Keys evolve one way after every tag, so a leaked key
cannot be used to forge earlier tags.
*/
package journal
